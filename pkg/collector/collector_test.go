package collector

import (
	"io"
	"log/slog"
)

// noOpLogger discards everything; shared by this package's HTTP-server and
// collector tests so they don't spam test output.
var noOpLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
