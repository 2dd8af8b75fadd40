package nrf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Unlocker drives the erase-unlock sequence through the CTRL-AP. The
// timing fields default to the values the nRF91 needs; tests shorten them.
type Unlocker struct {
	Port RegisterPort

	ErasePollInterval  time.Duration
	EraseBound         time.Duration
	VerifyPollInterval time.Duration
	VerifyBound        time.Duration
}

// NewUnlocker returns an Unlocker with production timing.
func NewUnlocker(port RegisterPort) *Unlocker {
	return &Unlocker{
		Port:               port,
		ErasePollInterval:  erasePollInterval,
		EraseBound:         eraseBound,
		VerifyPollInterval: verifyPollInterval,
		VerifyBound:        verifyBound,
	}
}

// Unlock erases and unlocks the device. With force unset, an already
// unlocked device is a no-op that issues zero register writes. On nil
// return the device is verified unlocked at the moment of return.
func (u *Unlocker) Unlock(ctx context.Context, force bool) error {
	if !force {
		if state := Detect(u.Port); state == LockStateUnlocked {
			glog.Info("device already unlocked")
			return nil
		}
	}

	// Sanity-check the CTRL-AP before poking its erase register; a zero
	// IDR means we are talking to the wrong AP index.
	idr, err := u.Port.ReadAP(CtrlAP, ctrlAPIDR)
	if err != nil {
		return &UnlockError{Reason: fmt.Sprintf("CTRL-AP IDR read: %v", err)}
	}
	glog.V(1).Infof("CTRL-AP IDR: 0x%08X", idr)
	if idr == 0 {
		return &UnlockError{Reason: "invalid CTRL-AP IDR, check AP index"}
	}

	if err := u.Port.WriteAP(CtrlAP, ctrlAPEraseAll, 1); err != nil {
		return &UnlockError{Reason: fmt.Sprintf("ERASEALL write: %v", err)}
	}
	glog.Info("started ERASEALL")

	start := time.Now()
	err = waitFor(ctx, u.ErasePollInterval, u.EraseBound, func() (bool, error) {
		status, err := u.Port.ReadAP(CtrlAP, ctrlAPEraseAllStatus)
		if err != nil {
			return false, err
		}
		return status == 0, nil
	})
	switch {
	case err == nil:
		glog.Infof("erase completed in %v", time.Since(start).Round(time.Millisecond))
	case errors.Is(err, context.DeadlineExceeded):
		// Some parts stop updating ERASEALLSTATUS; the post-reset
		// verification below still gates success.
		glog.Warningf("erase still busy after %v, continuing to reset", u.EraseBound)
	default:
		return &UnlockError{Reason: fmt.Sprintf("ERASEALLSTATUS poll: %v", err)}
	}

	// The cleared protection fuse is only observed after a reset.
	time.Sleep(resetHoldDelay)
	if err := u.Port.WriteAP(CtrlAP, ctrlAPReset, 1); err != nil {
		return &UnlockError{Reason: fmt.Sprintf("RESET assert: %v", err)}
	}
	if err := u.Port.WriteAP(CtrlAP, ctrlAPReset, 0); err != nil {
		return &UnlockError{Reason: fmt.Sprintf("RESET release: %v", err)}
	}
	time.Sleep(resetSettleDelay)
	glog.Info("issued soft reset")

	err = waitFor(ctx, u.VerifyPollInterval, u.VerifyBound, func() (bool, error) {
		return Detect(u.Port) == LockStateUnlocked, nil
	})
	if err != nil {
		// Not retried: a second blind erase risks masking a hardware
		// fault.
		return &UnlockError{Reason: "device still locked after erase and reset"}
	}

	glog.Info("device unlocked")
	return nil
}
