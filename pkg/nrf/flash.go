package nrf

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Programmer streams firmware records into flash through the NVMC, one
// word at a time, verifying every write by reading it back.
type Programmer struct {
	Port RegisterPort

	ReadyPollInterval time.Duration
	ReadyBound        time.Duration
}

// NewProgrammer returns a Programmer with production timing.
func NewProgrammer(port RegisterPort) *Programmer {
	return &Programmer{
		Port:              port,
		ReadyPollInterval: readyPollInterval,
		ReadyBound:        readyBound,
	}
}

// Program writes all records of img in ascending address order. It
// re-validates the image before touching the device, so an invalid image
// provokes zero writes. The first verify mismatch aborts the run with the
// offending address; the target is then in an unspecified intermediate
// state and must be reported as a flash failure regardless of how many
// words landed.
func (p *Programmer) Program(ctx context.Context, img *Image) error {
	if err := img.Validate(); err != nil {
		return fmt.Errorf("invalid image: %w", err)
	}

	if err := p.setNVMCConfig(ctx, nvmcConfigWen); err != nil {
		return err
	}

	written := 0
	for _, rec := range img.Records {
		glog.V(1).Infof("programming %d bytes at 0x%08X", len(rec.Data), rec.Addr)
		addr := rec.Addr
		for _, word := range rec.words() {
			if err := p.programWord(ctx, addr, word); err != nil {
				return err
			}
			addr += WordSize
			written += WordSize
		}
	}

	if err := p.setNVMCConfig(ctx, nvmcConfigRen); err != nil {
		return err
	}

	glog.Infof("flashed %d bytes in %d record(s)", written, len(img.Records))
	return nil
}

// programWord writes one word, waits for the NVMC, reads the word back and
// compares.
func (p *Programmer) programWord(ctx context.Context, addr, word uint32) error {
	if err := p.Port.WriteWord(addr, word); err != nil {
		return fmt.Errorf("flash write 0x%08X: %w", addr, err)
	}
	if err := p.waitReady(ctx); err != nil {
		return fmt.Errorf("flash write 0x%08X: %w", addr, err)
	}

	got, err := p.Port.ReadWord(addr)
	if err != nil {
		return fmt.Errorf("flash verify 0x%08X: %w", addr, err)
	}
	if got != word {
		return &FlashError{Addr: addr, Expected: word, Observed: got}
	}
	return nil
}

func (p *Programmer) setNVMCConfig(ctx context.Context, mode uint32) error {
	if err := p.Port.WriteWord(nvmcConfig, mode); err != nil {
		return fmt.Errorf("NVMC CONFIG: %w", err)
	}
	if err := p.waitReady(ctx); err != nil {
		return fmt.Errorf("NVMC CONFIG: %w", err)
	}
	return nil
}

func (p *Programmer) waitReady(ctx context.Context) error {
	return waitFor(ctx, p.ReadyPollInterval, p.ReadyBound, func() (bool, error) {
		ready, err := p.Port.ReadWord(nvmcReady)
		if err != nil {
			return false, err
		}
		return ready&1 == 1, nil
	})
}
