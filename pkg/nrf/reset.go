package nrf

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// ResetKind selects how the target is reset.
type ResetKind int

const (
	// ResetSoft pulses the CTRL-AP RESET register.
	ResetSoft ResetKind = iota
	// ResetDebugPin pulses the probe's reset line.
	ResetDebugPin
)

func (k ResetKind) String() string {
	if k == ResetDebugPin {
		return "debug-pin"
	}
	return "soft"
}

// Reset restarts the target, which then executes from its reset vector.
// The debug connection is transiently unusable afterwards; Reset sleeps
// through the settling delay but performs no verification of post-reset
// execution.
func Reset(port RegisterPort, kind ResetKind) error {
	glog.V(1).Infof("issuing %s reset", kind)

	switch kind {
	case ResetSoft:
		if err := port.WriteAP(CtrlAP, ctrlAPReset, 1); err != nil {
			return fmt.Errorf("reset assert: %w", err)
		}
		if err := port.WriteAP(CtrlAP, ctrlAPReset, 0); err != nil {
			return fmt.Errorf("reset release: %w", err)
		}
	case ResetDebugPin:
		if err := port.ResetTarget(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown reset kind %d", kind)
	}

	time.Sleep(resetSettleDelay)
	return nil
}
