package nrf

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// ConfigWriter programs the fixed protection configuration words into the
// UICR. It must run strictly after firmware programming and strictly
// before the final reset: the UICR is latched into effect on reset and has
// to reflect the final protection policy at that moment.
type ConfigWriter struct {
	Port   RegisterPort
	Writes []ConfigWrite

	ReadyPollInterval time.Duration
	ReadyBound        time.Duration
}

// NewConfigWriter returns a ConfigWriter for the fixed ProtectionWrites
// set with production timing.
func NewConfigWriter(port RegisterPort) *ConfigWriter {
	return &ConfigWriter{
		Port:              port,
		Writes:            ProtectionWrites,
		ReadyPollInterval: readyPollInterval,
		ReadyBound:        readyBound,
	}
}

// Apply programs every pair of the write set, verifying each by reading it
// back. Any mismatch is fatal for the run: a UICR word that failed to take
// cannot be corrected without a mass erase.
func (w *ConfigWriter) Apply(ctx context.Context) error {
	for _, cfg := range w.Writes {
		if err := w.writeWord(ctx, cfg.Addr, cfg.Value); err != nil {
			return err
		}
		glog.V(1).Infof("config word 0x%08X = 0x%08X verified", cfg.Addr, cfg.Value)
	}
	return nil
}

// writeWord performs the NVMC write-enable dance around a single UICR word
// write and verifies the result.
func (w *ConfigWriter) writeWord(ctx context.Context, addr, value uint32) error {
	current, err := w.Port.ReadWord(addr)
	if err != nil {
		return &ConfigError{Addr: addr, Reason: fmt.Sprintf("read: %v", err)}
	}
	// Flash writes only clear bits: unless the word is still erased, the
	// desired value must be reachable from the current one.
	if current&value != value && current != 0xFFFFFFFF {
		return &ConfigError{
			Addr:   addr,
			Reason: fmt.Sprintf("current value 0x%08X needs mass erase before writing 0x%08X", current, value),
		}
	}

	if err := w.setConfig(ctx, nvmcConfigWen); err != nil {
		return &ConfigError{Addr: addr, Reason: err.Error()}
	}
	if err := w.Port.WriteWord(addr, value); err != nil {
		return &ConfigError{Addr: addr, Reason: fmt.Sprintf("write: %v", err)}
	}
	if err := w.waitReady(ctx); err != nil {
		return &ConfigError{Addr: addr, Reason: err.Error()}
	}
	if err := w.setConfig(ctx, nvmcConfigRen); err != nil {
		return &ConfigError{Addr: addr, Reason: err.Error()}
	}

	got, err := w.Port.ReadWord(addr)
	if err != nil {
		return &ConfigError{Addr: addr, Reason: fmt.Sprintf("verify read: %v", err)}
	}
	if got != value {
		return &ConfigError{Addr: addr, Expected: value, Observed: got}
	}
	return nil
}

func (w *ConfigWriter) setConfig(ctx context.Context, mode uint32) error {
	if err := w.Port.WriteWord(nvmcConfig, mode); err != nil {
		return fmt.Errorf("NVMC CONFIG: %v", err)
	}
	return w.waitReady(ctx)
}

func (w *ConfigWriter) waitReady(ctx context.Context) error {
	err := waitFor(ctx, w.ReadyPollInterval, w.ReadyBound, func() (bool, error) {
		ready, err := w.Port.ReadWord(nvmcReady)
		if err != nil {
			return false, err
		}
		return ready&1 == 1, nil
	})
	if err != nil {
		return fmt.Errorf("NVMC not ready: %v", err)
	}
	return nil
}
