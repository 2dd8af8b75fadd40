package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceRecover/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceRecover/pkg/nrf"
)

var (
	forceUnlock bool
	pinReset    bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <image.hex>",
	Short: "Recover the device and flash a firmware image",
	Long: `Runs the full recovery sequence against one target:

  1. Connect to the debug probe and bring up the SWD link
  2. Detect the lock state via the MEM-AP status register
  3. Erase-unlock through the CTRL-AP if locked (or if --force is given)
  4. Flash the Intel HEX image with per-word verification
  5. Program the UICR protection words
  6. Reset into the new image

Each failure class maps to a distinct exit status:
  2 connection failed, 3 unlock failed, 4 flash failed,
  5 config write failed, 6 bad image.

Examples:
  recover flash app.hex
  recover flash --force --serial E66118604B1A9F2F app.hex
  recover flash --simulate app.hex     # no hardware needed`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)

	flashCmd.Flags().BoolVarP(&forceUnlock, "force", "f", false,
		"erase-unlock even if the device appears unlocked")
	flashCmd.Flags().BoolVar(&pinReset, "pin-reset", false,
		"final reset via the probe's reset line instead of CTRL-AP soft reset")
}

func runFlash(cmd *cobra.Command, args []string) error {
	imagePath := args[0]
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("image file: %w", err)
	}

	cfg := nrf.Config{
		ImagePath: imagePath,
		Timeout:   time.Duration(timeoutMs) * time.Millisecond,
		Force:     forceUnlock,
		VendorID:  vendorID,
		ProductID: productID,
		Serial:    serial,
	}
	if pinReset {
		cfg.Reset = nrf.ResetDebugPin
	}
	if simulate {
		cfg.Transport = dap.NewSimTarget(true)
	}

	outcome, err := nrf.Run(cmd.Context(), cfg)
	if err != nil {
		glog.Flush()
		fmt.Fprintf(os.Stderr, "recovery failed (%s): %v\n", outcome, err)
		os.Exit(exitStatus(outcome))
	}

	fmt.Println("Done!")
	return nil
}

func exitStatus(o nrf.Outcome) int {
	switch o {
	case nrf.OutcomeConnectionFailed:
		return 2
	case nrf.OutcomeUnlockFailed:
		return 3
	case nrf.OutcomeFlashFailed:
		return 4
	case nrf.OutcomeConfigWriteFailed:
		return 5
	case nrf.OutcomeBadImage:
		return 6
	default:
		return 1
	}
}
