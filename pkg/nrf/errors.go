package nrf

import "fmt"

// UnlockError indicates the erase-unlock sequence did not leave the device
// unlocked. It is fatal for the run: a second blind erase could mask a
// hardware fault.
type UnlockError struct {
	Reason string
}

func (e *UnlockError) Error() string {
	return fmt.Sprintf("unlock failed: %s", e.Reason)
}

// FlashError indicates a write/verify mismatch while programming firmware.
type FlashError struct {
	Addr     uint32
	Expected uint32
	Observed uint32
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("flash verify mismatch at 0x%08X: wrote 0x%08X, read 0x%08X",
		e.Addr, e.Expected, e.Observed)
}

// ConfigError indicates a protection configuration word could not be
// programmed. Retrying the same write is unsafe: UICR words are write-once
// until the next mass erase.
type ConfigError struct {
	Addr     uint32
	Expected uint32
	Observed uint32
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("config write 0x%08X: %s", e.Addr, e.Reason)
	}
	return fmt.Sprintf("config verify mismatch at 0x%08X: wrote 0x%08X, read 0x%08X",
		e.Addr, e.Expected, e.Observed)
}
