package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceRecover/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceRecover/pkg/nrf"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Report the device's lock state without modifying it",
	Long: `Connects to the probe, reads the MEM-AP status register and reports
whether the device is locked. Performs no writes.

Exit status: 0 unlocked, 1 locked, 2 indeterminate.`,
	Args: cobra.NoArgs,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	var (
		client *dap.Client
		err    error
	)
	if simulate {
		client, err = dap.ConnectTransport(cmd.Context(), dap.NewSimTarget(true), 0)
	} else {
		client, err = dap.Connect(cmd.Context(), dap.Options{
			VendorID:  vendorID,
			ProductID: productID,
			Serial:    serial,
			Timeout:   time.Duration(timeoutMs) * time.Millisecond,
		})
	}
	if err != nil {
		return err
	}

	state := nrf.Detect(client)
	// Release the probe before exiting; os.Exit would skip a defer.
	client.Close()
	fmt.Printf("Lock state: %s\n", state)

	if code := detectExitCode(state); code != 0 {
		os.Exit(code)
	}
	return nil
}

func detectExitCode(state nrf.LockState) int {
	switch state {
	case nrf.LockStateUnlocked:
		return 0
	case nrf.LockStateLocked:
		return 1
	default:
		return 2
	}
}
