package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/system"
	"github.com/spf13/cobra"
)

var (
	regFlags   RegisterFlags
	imagePath  string
	imageBase  string
	accessKind string
)

func addRegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&regFlags.SDR1, "sdr1", "", "SDR1 value")
	flags.StringArrayVar(&regFlags.SR, "sr", nil, "segment register, as index=value")
	flags.StringArrayVar(&regFlags.IBAT, "ibat", nil, "IBAT pair, as index=upper:lower")
	flags.StringArrayVar(&regFlags.DBAT, "dbat", nil, "DBAT pair, as index=upper:lower")
	flags.StringVar(&regFlags.MSR, "msr", "ir,dr",
		"set MSR bits among ir, dr and pr, or \"real\"")
	flags.StringVar(&imagePath, "image", "", "physical memory image to load")
	flags.StringVar(&imageBase, "image-base", "0", "physical address of the image")
}

var translateCmd = &cobra.Command{
	Use:   "translate addr...",
	Short: "Print the translation of effective addresses.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := ParseAccessKind(accessKind)
		if err != nil {
			return err
		}

		s, err := buildConfiguredSystem(cfg.Builder().WithFastmem(system.FastmemOff))
		if err != nil {
			return err
		}
		defer s.Close()

		for _, arg := range args {
			ea, err := parseU32(arg)
			if err != nil {
				return err
			}

			printTranslation(cmd.OutOrStdout(), s, ea, kind)
		}

		return nil
	},
}

func init() {
	addRegisterFlags(translateCmd)
	translateCmd.Flags().StringVar(&accessKind, "kind", "probe",
		"access kind: read, write, execute, probe or probe-execute")
	rootCmd.AddCommand(translateCmd)
}

// ParseAccessKind parses the name of an access kind.
func ParseAccessKind(s string) (vm.AccessKind, error) {
	for _, k := range []vm.AccessKind{
		vm.AccessRead, vm.AccessWrite, vm.AccessExecute,
		vm.AccessProbe, vm.AccessProbeExecute,
	} {
		if k.String() == s {
			return k, nil
		}
	}

	return 0, errors.Errorf("unknown access kind %q", s)
}

// buildConfiguredSystem builds a system, loads the image and the registers
// given on the command line.
func buildConfiguredSystem(b system.Builder) (*system.System, error) {
	s := b.WithLogger(logger).Build("PPC")

	if err := loadImage(s); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := regFlags.Apply(s.MMU); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func loadImage(s *system.System) error {
	if imagePath == "" {
		return nil
	}

	base, err := parseU32(imageBase)
	if err != nil {
		return errors.Wrap(err, "image base")
	}

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return errors.Wrap(err, "reading image")
	}

	return errors.Wrapf(s.LoadImage(base, image),
		"loading %s at 0x%08x", imagePath, base)
}

func printTranslation(
	w io.Writer,
	s *system.System,
	ea uint32,
	kind vm.AccessKind,
) {
	r, err := s.MMU.Translate(ea, kind)
	if err != nil {
		fmt.Fprintf(w, "0x%08x: %v\n", ea, err)
		return
	}

	fmt.Fprintf(w, "0x%08x -> 0x%08x %s wimg=%04b writable=%t direct=%t\n",
		ea, r.PAddr, r.Source, r.WIMG, r.Writable, r.Direct)
}
