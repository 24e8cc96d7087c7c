package gpucore

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultPciIdsPaths lists the conventional locations of the pci.ids
// database shipped by hwdata/pciutils packages.
var DefaultPciIdsPaths = []string{
	"/usr/share/misc/pci.ids",
	"/usr/share/hwdata/pci.ids",
}

// PciIDProvider resolves PCI vendor/device hex IDs to human-readable names
// from a pci.ids-format file, with a short-lived cache over the parsed
// entries since a polling Sampler re-resolves the same devices every tick.
type PciIDProvider struct {
	vendors map[string]string            // vendorID -> name
	devices map[string]map[string]string // vendorID -> deviceID -> name
	cache   *ttlcache.Cache[string, string]
}

// NewPciIDProvider loads the first readable path in candidates (falling
// back to DefaultPciIdsPaths when candidates is empty) and returns a
// provider. A provider backed by no file still works: every lookup just
// returns "".
func NewPciIDProvider(candidates []string) *PciIDProvider {
	if len(candidates) == 0 {
		candidates = DefaultPciIdsPaths
	}

	p := &PciIDProvider{
		vendors: make(map[string]string),
		devices: make(map[string]map[string]string),
		cache:   ttlcache.New[string, string](ttlcache.WithTTL[string, string](10 * time.Minute)),
	}

	for _, path := range candidates {
		if p.load(path) == nil {
			break
		}
	}

	return p
}

func (p *PciIDProvider) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var curVendor string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// pci.ids subsystem/class sections start a line with "C " and
		// aren't vendor/device data; stop there.
		if strings.HasPrefix(line, "C ") {
			break
		}

		switch {
		case !strings.HasPrefix(line, "\t"):
			id, name, ok := strings.Cut(line, "  ")
			if !ok {
				continue
			}

			curVendor = strings.ToLower(strings.TrimSpace(id))
			p.vendors[curVendor] = strings.TrimSpace(name)
		case strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, "\t\t"):
			id, name, ok := strings.Cut(strings.TrimPrefix(line, "\t"), "  ")
			if !ok || curVendor == "" {
				continue
			}

			devID := strings.ToLower(strings.TrimSpace(id))

			if p.devices[curVendor] == nil {
				p.devices[curVendor] = make(map[string]string)
			}

			p.devices[curVendor][devID] = strings.TrimSpace(name)
		}
	}

	return scanner.Err()
}

func normalizeHexID(id string) string {
	return strings.ToLower(strings.TrimPrefix(id, "0x"))
}

// VendorName returns the vendor name for a 4-hex-digit vendor ID, or "" if
// unknown.
func (p *PciIDProvider) VendorName(vendorID string) string {
	key := "v:" + normalizeHexID(vendorID)

	if item := p.cache.Get(key); item != nil {
		return item.Value()
	}

	name := p.vendors[normalizeHexID(vendorID)]
	p.cache.Set(key, name, ttlcache.DefaultTTL)

	return name
}

// DeviceName returns the device name for a (vendorID, deviceID) pair, or ""
// if unknown.
func (p *PciIDProvider) DeviceName(vendorID, deviceID string) string {
	key := fmt.Sprintf("d:%s:%s", normalizeHexID(vendorID), normalizeHexID(deviceID))

	if item := p.cache.Get(key); item != nil {
		return item.Value()
	}

	name := p.devices[normalizeHexID(vendorID)][normalizeHexID(deviceID)]
	p.cache.Set(key, name, ttlcache.DefaultTTL)

	return name
}
