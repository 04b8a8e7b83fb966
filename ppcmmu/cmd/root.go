// Package cmd implements the ppcmmu command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	envFile string
	cfg     Config
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "ppcmmu",
	Short: "ppcmmu translates PowerPC guest addresses.",
	Long: `ppcmmu translates PowerPC guest effective addresses through the
block address translation registers and the hashed page table, and serves
the translation state to debuggers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error

		cfg, err = resolveConfig(cmd)
		if err != nil {
			return err
		}

		logger, err = newLogger(cfg.LogLevel)

		return err
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env", ".env", "file to load PPCMMU_* variables from")
	flags.String("ram-size", "", "size of main RAM, e.g. 24M")
	flags.String("extended-ram-size", "", "size of the extended RAM bank")
	flags.String("fastmem", "", "fastmem mode: off, sim or host")
	flags.String("host-page-size", "", "host page size of a simulated arena")
	flags.Bool("extended-bats", false, "use 8 BAT pairs per side")
	flags.String("record", "", "record translation events into this SQLite file")
	flags.String("log-level", "", "debug, info, warn or error")
}

// resolveConfig layers the .env file, the environment and the flags.
func resolveConfig(cmd *cobra.Command) (Config, error) {
	if err := LoadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	c, err := ConfigFromEnv(os.Getenv)
	if err != nil {
		return c, err
	}

	flags := cmd.Flags()

	sizes := map[string]*uint32{
		"ram-size":          &c.RAMSize,
		"extended-ram-size": &c.ExtendedRAM,
		"host-page-size":    &c.HostPageSize,
	}
	for name, dst := range sizes {
		if !flags.Changed(name) {
			continue
		}

		v, _ := flags.GetString(name)
		if *dst, err = ParseSize(v); err != nil {
			return c, errors.Wrap(err, name)
		}
	}

	if flags.Changed("fastmem") {
		v, _ := flags.GetString("fastmem")
		if c.Fastmem, err = ParseFastmemMode(v); err != nil {
			return c, err
		}
	}

	if flags.Changed("extended-bats") {
		c.ExtendedBATs, _ = flags.GetBool("extended-bats")
	}

	if flags.Changed("record") {
		c.Record, _ = flags.GetString("record")
	}

	if flags.Changed("log-level") {
		c.LogLevel, _ = flags.GetString("log-level")
	}

	return c, c.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}

	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(l)
	zc.DisableStacktrace = true

	return zc.Build()
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	_ = logger.Sync()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
