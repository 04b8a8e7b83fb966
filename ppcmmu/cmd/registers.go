package cmd

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/mmu"
)

// RegisterFlags are the translation registers given on the command line.
type RegisterFlags struct {
	SDR1 string
	SR   []string
	IBAT []string
	DBAT []string
	MSR  string
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad value %q", s)
	}

	return uint32(v), nil
}

// parseIndexed parses "i=value".
func parseIndexed(s string, limit int) (int, string, error) {
	index, value, ok := strings.Cut(s, "=")
	if !ok {
		return 0, "", errors.Errorf("%q is not index=value", s)
	}

	i, err := strconv.Atoi(index)
	if err != nil || i < 0 || i >= limit {
		return 0, "", errors.Errorf("index %q out of range [0, %d)", index, limit)
	}

	return i, value, nil
}

// ParseBATPair parses "upper:lower".
func ParseBATPair(s string) (vm.BATPair, error) {
	upper, lower, ok := strings.Cut(s, ":")
	if !ok {
		return vm.BATPair{}, errors.Errorf("%q is not upper:lower", s)
	}

	u, err := parseU32(upper)
	if err != nil {
		return vm.BATPair{}, err
	}

	l, err := parseU32(lower)
	if err != nil {
		return vm.BATPair{}, err
	}

	return vm.BATPair{Upper: vm.BATUpper(u), Lower: vm.BATLower(l)}, nil
}

// ParseMSR parses a comma separated list of the set bits among ir, dr and
// pr. "real" turns relocation off.
func ParseMSR(s string) (vm.MSR, error) {
	var msr vm.MSR

	if s == "" || s == "real" {
		return msr, nil
	}

	for _, bit := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(bit)) {
		case "ir":
			msr.IR = true
		case "dr":
			msr.DR = true
		case "pr":
			msr.PR = true
		default:
			return msr, errors.Errorf("unknown MSR bit %q", bit)
		}
	}

	return msr, nil
}

// Apply loads the registers into c. Registers not given keep their values;
// the MSR is only changed when given.
func (f RegisterFlags) Apply(c *mmu.Comp) error {
	s := c.State()

	if f.SDR1 != "" {
		v, err := parseU32(f.SDR1)
		if err != nil {
			return errors.Wrap(err, "sdr1")
		}

		s.SDR1 = vm.SDR1(v)
	}

	for _, sr := range f.SR {
		i, value, err := parseIndexed(sr, vm.NumSegments)
		if err != nil {
			return errors.Wrap(err, "sr")
		}

		v, err := parseU32(value)
		if err != nil {
			return errors.Wrap(err, "sr")
		}

		s.SR[i] = vm.SegmentRegister(v)
	}

	if err := applyBATs(s.IBAT, f.IBAT); err != nil {
		return errors.Wrap(err, "ibat")
	}

	if err := applyBATs(s.DBAT, f.DBAT); err != nil {
		return errors.Wrap(err, "dbat")
	}

	if f.MSR != "" {
		msr, err := ParseMSR(f.MSR)
		if err != nil {
			return err
		}

		s.MSR = msr
	}

	c.LoadState(s)

	return nil
}

func applyBATs(pairs []vm.BATPair, flags []string) error {
	for _, flag := range flags {
		i, value, err := parseIndexed(flag, len(pairs))
		if err != nil {
			return err
		}

		pair, err := ParseBATPair(value)
		if err != nil {
			return err
		}

		pairs[i] = pair
	}

	return nil
}
