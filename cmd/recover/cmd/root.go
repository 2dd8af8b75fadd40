package cmd

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceRecover/pkg/dap"
)

var (
	// Global flags
	verbose   bool
	vendorID  uint16
	productID uint16
	serial    string
	timeoutMs uint64
	simulate  bool
)

var rootCmd = &cobra.Command{
	Use:   "recover",
	Short: "nRF91 device recovery over a CMSIS-DAP debug probe",
	Long: `Recovers a locked or bricked nRF91-family device: erase-unlocks it
through the CTRL-AP, flashes a new firmware image, programs the UICR
protection words and resets into the new image.

Examples:
  recover flash app.hex                 # full recovery with defaults
  recover flash --force app.hex         # erase even if already unlocked
  recover detect                        # report the lock state only
  recover probes                        # list connected debug probes`,
	Version: "1.0.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Route glog to stderr; -v raises the protocol trace level.
		goflag.Set("logtostderr", "true")
		if verbose {
			goflag.Set("v", "2")
		}
	},
}

// Execute runs the root command
func Execute() {
	// glog reads its settings from the standard flag package.
	goflag.CommandLine.Parse(nil)
	defer glog.Flush()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().Uint16Var(&vendorID, "vendor-id", dap.VendorIDRaspberryPi,
		"debug probe USB vendor ID")
	rootCmd.PersistentFlags().Uint16Var(&productID, "product-id", dap.ProductIDDebugProbe,
		"debug probe USB product ID")
	rootCmd.PersistentFlags().StringVarP(&serial, "serial", "s", "",
		"debug probe serial number (if multiple probes)")
	rootCmd.PersistentFlags().Uint64VarP(&timeoutMs, "timeout", "t", 2000,
		"probe connection timeout in milliseconds")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false,
		"run against a simulated target instead of hardware")
}
