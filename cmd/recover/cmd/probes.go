package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceRecover/pkg/dap"
)

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List connected CMSIS-DAP debug probes",
	Args:  cobra.NoArgs,
	RunE:  runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)
}

func runProbes(cmd *cobra.Command, args []string) error {
	probes, err := dap.EnumerateProbes()
	if err != nil {
		return fmt.Errorf("enumerate probes: %w", err)
	}

	if len(probes) == 0 {
		fmt.Println("No CMSIS-DAP probes found")
		return nil
	}

	for _, p := range probes {
		if p.Serial != "" {
			fmt.Printf("%04X:%04X  %-30s serial %s\n", p.VendorID, p.ProductID, p.Label(), p.Serial)
		} else {
			fmt.Printf("%04X:%04X  %s\n", p.VendorID, p.ProductID, p.Label())
		}
	}
	return nil
}
