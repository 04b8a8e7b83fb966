package cmd

import (
	"fmt"
	"io"

	"github.com/sarchlab/ppcmmu/mem/vm/mmu"
	"github.com/sarchlab/ppcmmu/system"
	"github.com/spf13/cobra"
)

var walkCmd = &cobra.Command{
	Use:   "walk addr...",
	Short: "Show how the page table is searched for effective addresses.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

			printWalk(cmd.OutOrStdout(), s.MMU.WalkPageTable(ea))
		}

		return nil
	},
}

func init() {
	addRegisterFlags(walkCmd)
	rootCmd.AddCommand(walkCmd)
}

func printWalk(w io.Writer, walk mmu.Walk) {
	fmt.Fprintf(w, "0x%08x vsid=0x%06x hash=0x%05x\n",
		walk.EA, walk.VSID, walk.Hash)
	fmt.Fprintf(w, "  primary PTEG   0x%08x\n", walk.PrimaryPTEG)
	fmt.Fprintf(w, "  secondary PTEG 0x%08x\n", walk.SecondaryPTEG)

	if !walk.Found {
		fmt.Fprintln(w, "  no matching entry")
		return
	}

	group := "primary"
	if walk.Secondary {
		group = "secondary"
	}

	fmt.Fprintf(w, "  found in %s slot %d at 0x%08x: %08x %08x\n",
		group, walk.Slot, walk.Addr, walk.PTE.Word0, walk.PTE.Word1)
}
