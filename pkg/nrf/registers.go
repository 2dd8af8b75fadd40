// Package nrf implements the register-level recovery sequence for locked
// nRF91-family devices: lock detection through the application MEM-AP,
// erase-unlock through the CTRL-AP, flash programming through the NVMC,
// UICR protection configuration and reset.
package nrf

import "time"

// Access-port indices. The application core's AHB-AP sits at index 0, the
// Nordic CTRL-AP at index 4.
const (
	MemAP  = 0
	CtrlAP = 4
)

// Application MEM-AP registers.
const (
	memAPCSW = 0x00
	memAPIDR = 0xFC

	// CSW DbgStatus bit: set while the AHB-AP is enabled, clear while
	// APPROTECT keeps the debugger out.
	cswDbgStatusBit = 6
)

// CTRL-AP registers.
const (
	ctrlAPReset          = 0x00
	ctrlAPEraseAll       = 0x04
	ctrlAPEraseAllStatus = 0x08
	ctrlAPIDR            = 0xFC
)

// NVMC registers and CONFIG values.
const (
	nvmcReady  = 0x50039400
	nvmcConfig = 0x50039504

	nvmcConfigRen = 0 // read-only
	nvmcConfigWen = 1 // write-enabled
)

// WordSize is the flash programming granularity in bytes. Writes smaller
// than a word are padded with erased-flash bytes.
const WordSize = 4

// ConfigWrite is one fixed (address, value) pair of the protection
// configuration.
type ConfigWrite struct {
	Addr  uint32
	Value uint32
}

// ProtectionWrites is the UICR write set programmed after flashing and
// before the final reset. Both words select the hardware-disabled
// APPROTECT value so the device boots unprotected debugging-wise. The
// ordering constraint matters: UICR content is latched on reset.
var ProtectionWrites = []ConfigWrite{
	{Addr: 0x00FF8000, Value: 0x50FA50FA}, // UICR.APPROTECT
	{Addr: 0x00FF802C, Value: 0x50FA50FA}, // UICR.SECUREAPPROTECT
}

// Timing constants for the bounded wait-for-condition loops.
const (
	erasePollInterval = 500 * time.Millisecond
	eraseBound        = 15 * time.Second

	verifyPollInterval = 100 * time.Millisecond
	verifyBound        = 1 * time.Second

	readyPollInterval = 1 * time.Millisecond
	readyBound        = 1 * time.Second

	resetHoldDelay   = 10 * time.Millisecond
	resetSettleDelay = 20 * time.Millisecond
)
