package cmd

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/system"
)

// Config is the configuration shared by all commands. It is read from the
// environment, after loading the .env file, and then overridden by flags.
type Config struct {
	RAMSize      uint32
	ExtendedRAM  uint32
	Fastmem      system.FastmemMode
	HostPageSize uint32
	ExtendedBATs bool
	Record       string
	MonitorPort  int
	LogLevel     string
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		RAMSize:      24 << 20,
		Fastmem:      system.FastmemSim,
		HostPageSize: 4096,
		LogLevel:     "warn",
	}
}

// LoadEnvFile loads variables from path into the environment without
// overriding variables already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	return errors.Wrapf(godotenv.Load(path), "loading %s", path)
}

// ConfigFromEnv reads PPCMMU_* variables through getenv on top of the
// defaults.
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	c := DefaultConfig()

	var err error

	if v := getenv("PPCMMU_RAM_SIZE"); v != "" {
		if c.RAMSize, err = ParseSize(v); err != nil {
			return c, errors.Wrap(err, "PPCMMU_RAM_SIZE")
		}
	}

	if v := getenv("PPCMMU_EXTENDED_RAM_SIZE"); v != "" {
		if c.ExtendedRAM, err = ParseSize(v); err != nil {
			return c, errors.Wrap(err, "PPCMMU_EXTENDED_RAM_SIZE")
		}
	}

	if v := getenv("PPCMMU_FASTMEM"); v != "" {
		if c.Fastmem, err = ParseFastmemMode(v); err != nil {
			return c, errors.Wrap(err, "PPCMMU_FASTMEM")
		}
	}

	if v := getenv("PPCMMU_HOST_PAGE_SIZE"); v != "" {
		if c.HostPageSize, err = ParseSize(v); err != nil {
			return c, errors.Wrap(err, "PPCMMU_HOST_PAGE_SIZE")
		}
	}

	if v := getenv("PPCMMU_EXTENDED_BATS"); v != "" {
		if c.ExtendedBATs, err = strconv.ParseBool(v); err != nil {
			return c, errors.Wrap(err, "PPCMMU_EXTENDED_BATS")
		}
	}

	if v := getenv("PPCMMU_MONITOR_PORT"); v != "" {
		if c.MonitorPort, err = strconv.Atoi(v); err != nil {
			return c, errors.Wrap(err, "PPCMMU_MONITOR_PORT")
		}
	}

	c.Record = getenv("PPCMMU_RECORD")

	if v := getenv("PPCMMU_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	return c, c.Validate()
}

// Validate checks the values a system can not be built from.
func (c Config) Validate() error {
	if c.HostPageSize < 4096 || c.HostPageSize&(c.HostPageSize-1) != 0 {
		return errors.Errorf(
			"host page size %d is not a power of two of at least 4096",
			c.HostPageSize)
	}

	if c.RAMSize == 0 {
		return errors.New("RAM size must not be zero")
	}

	return nil
}

// ParseSize parses a byte count such as 4096, 0x1000, 64K or 24M.
func ParseSize(s string) (uint32, error) {
	s = strings.TrimSpace(s)

	shift := 0
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		shift = 10
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		shift = 20
	case strings.HasSuffix(s, "G"), strings.HasSuffix(s, "g"):
		shift = 30
	}

	if shift != 0 {
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad size %q", s)
	}

	v <<= shift
	if v > 0xffffffff {
		return 0, errors.Errorf("size %q does not fit in 32 bits", s)
	}

	return uint32(v), nil
}

// ParseFastmemMode parses off, sim or host.
func ParseFastmemMode(s string) (system.FastmemMode, error) {
	mode := system.FastmemMode(strings.ToLower(s))

	switch mode {
	case system.FastmemOff, system.FastmemSim, system.FastmemHost:
		return mode, nil
	default:
		return "", errors.Errorf("unknown fastmem mode %q", s)
	}
}

// Builder returns a system builder configured by c.
func (c Config) Builder() system.Builder {
	return system.MakeBuilder().
		WithRAMSize(c.RAMSize).
		WithExtendedRAMSize(c.ExtendedRAM).
		WithFastmem(c.Fastmem).
		WithHostPageSize(c.HostPageSize).
		WithSubPageProtection(c.HostPageSize == 4096).
		WithExtendedBATs(c.ExtendedBATs)
}

// Map lists the configuration as text, for run records.
func (c Config) Map() map[string]string {
	return map[string]string{
		"ram_size":       strconv.FormatUint(uint64(c.RAMSize), 10),
		"extended_ram":   strconv.FormatUint(uint64(c.ExtendedRAM), 10),
		"fastmem":        string(c.Fastmem),
		"host_page_size": strconv.FormatUint(uint64(c.HostPageSize), 10),
		"extended_bats":  strconv.FormatBool(c.ExtendedBATs),
		"monitor_port":   strconv.Itoa(c.MonitorPort),
	}
}
