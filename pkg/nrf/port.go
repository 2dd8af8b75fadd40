package nrf

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RegisterPort is the register-level access the recovery sequence needs
// from a connected debug probe. dap.Client implements it; tests substitute
// recording fakes. Implementations serialize transactions; callers never
// retry a failed one.
type RegisterPort interface {
	ReadAP(ap byte, addr byte) (uint32, error)
	WriteAP(ap byte, addr byte, value uint32) error
	ReadWord(addr uint32) (uint32, error)
	WriteWord(addr uint32, value uint32) error
	ResetTarget() error
}

var errNotReady = errors.New("condition not met")

// waitFor polls cond at the given interval until it reports done, an error,
// or the bound elapses. This is the only wait-with-retry construct in the
// package: it retries waiting for a condition, never a failed operation.
func waitFor(ctx context.Context, interval, bound time.Duration, cond func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	err := backoff.Retry(func() error {
		done, err := cond()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errNotReady
		}
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))

	if errors.Is(err, errNotReady) {
		return context.DeadlineExceeded
	}
	return err
}
