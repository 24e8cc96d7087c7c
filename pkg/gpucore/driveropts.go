package gpucore

import "strings"

// Known option flags for the Intel (xe, i915) driver backends. A flag
// string outside this set is silently ignored, matching the original
// behavior of only recognizing known names.
const (
	IntelOptEngsPMU  = "engines=pmu"
	IntelOptFreqsPMU = "freqs=pmu"
	IntelOptPowerMSR = "power=msr"
)

var intelOptBits = map[string]uint32{
	IntelOptEngsPMU:  1 << 0,
	IntelOptFreqsPMU: 1 << 1,
	IntelOptPowerMSR: 1 << 2,
}

// DriverOpt is one raw "key=value,key=value,...,devslot=<slot>|all" string
// as accepted on the command line, scoped to the driver name it targets
// (e.g. "xe", "i915").
type DriverOpt string

// ParseDriverOpt splits a single "drv=opts" command-line token (e.g.
// "xe=engines=pmu,devslot=0000:00:02.0") into the driver name it targets
// and the remaining option string.
func ParseDriverOpt(token string) (drv string, opts DriverOpt, ok bool) {
	d, o, found := strings.Cut(token, "=")
	if !found {
		return "", "", false
	}

	return d, DriverOpt(o), true
}

// IntelDriverOpts is the resolved option bitmask for one Intel GPU device,
// combining every opt string in opts whose devslot matches pciDev or "all".
type IntelDriverOpts struct {
	bits uint32
}

func (o IntelDriverOpts) HasEngsPMU() bool  { return o.bits&intelOptBits[IntelOptEngsPMU] != 0 }
func (o IntelDriverOpts) HasFreqsPMU() bool { return o.bits&intelOptBits[IntelOptFreqsPMU] != 0 }
func (o IntelDriverOpts) HasPowerMSR() bool { return o.bits&intelOptBits[IntelOptPowerMSR] != 0 }

// ResolveIntelDriverOpts evaluates every DriverOpt in opts against pciDev,
// ORing together the bits of every opt string whose devslot is "all" or
// equal to pciDev.
func ResolveIntelDriverOpts(pciDev string, opts []DriverOpt) IntelDriverOpts {
	var ret IntelDriverOpts

	for _, optsStr := range opts {
		devslot := "all"

		var want uint32

		for _, opt := range strings.Split(string(optsStr), ",") {
			if rest, ok := strings.CutPrefix(opt, "devslot="); ok {
				devslot = rest

				continue
			}

			if bit, ok := intelOptBits[opt]; ok {
				want |= bit
			}
		}

		if devslot == "all" || devslot == pciDev {
			ret.bits |= want
		}
	}

	return ret
}
