package collector

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func queryExporter(address string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", address))
	if err != nil {
		return err
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if err := resp.Body.Close(); err != nil {
		return err
	}

	if want, have := http.StatusOK, resp.StatusCode; want != have {
		return fmt.Errorf("want /metrics status code %d, have %d. Body:\n%s", want, have, b)
	}

	return nil
}

func TestCEEMSExporterMain(t *testing.T) {
	// Remove test related args and add dummy args restricting discovery to a
	// slot that won't exist on the test host, so the gpu collector finds
	// nothing but the exporter still serves metrics.
	os.Args = append(
		[]string{os.Args[0]},
		"--web.listen-address=:9011",
		"--web.max-requests=2",
		"--path.procfs=testdata/proc",
		"--collector.gpu.device-slot=0000:ff:00.0",
	)

	// Create new instance of exporter CLI app
	a, err := NewCEEMSExporter()
	require.NoError(t, err)

	// Start Main
	go func() {
		a.Main()
	}()

	// Query exporter
	for i := 0; i < 10; i++ {
		if err := queryExporter("localhost:9011"); err == nil {
			return
		}

		time.Sleep(500 * time.Millisecond)

		if i == 9 {
			t.Errorf("Could not start exporter after %d attempts", i)
		}
	}
}
