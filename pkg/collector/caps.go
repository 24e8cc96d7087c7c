package collector

import (
	"errors"
	"slices"

	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// setupAppCaps resolves capability names to cap.Value and folds them into
// the exporter-wide appCaps slice consumed by security.Config, so the
// security manager keeps exactly the capabilities the enabled collectors
// asked for and drops everything else.
func setupAppCaps(capabilities []string) ([]cap.Value, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}

	var caps []cap.Value

	var errs error

	for _, name := range capabilities {
		value, err := cap.FromName(name)
		if err != nil {
			errs = errors.Join(errs, err)

			continue
		}

		caps = append(caps, value)
	}

	for _, c := range caps {
		if !slices.Contains(appCaps, c) {
			appCaps = append(appCaps, c)
		}
	}

	return caps, errs
}
