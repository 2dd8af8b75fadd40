package nrf

import "fmt"

// fakePort is a register-level stand-in for a connected probe. It models
// just enough device behavior for the sequence tests: lock state behind
// the CSW DbgStatus bit, CTRL-AP erase and reset, NVMC-gated flash writes
// that only clear bits. Every transaction is counted so tests can assert
// on side effects, not just return values.
type fakePort struct {
	locked     bool
	stayLocked bool   // erase and reset do not clear the lock
	idr        uint32 // CTRL-AP IDR; zero models a wrong AP index
	eraseBusy  int    // ERASEALLSTATUS reads left before it reports idle

	mem        map[uint32]uint32
	nvmcCfg    uint32
	corrupt    map[uint32]uint32 // readback overrides for verify tests
	readAPErr  error
	writeErrAt uint32 // WriteWord to this address fails, 0 disables

	apReads     int
	apWrites    int
	memWrites   int
	writeAddrs  []uint32 // memory writes in order, NVMC CONFIG excluded
	eraseCmds   int
	resetPulses int
	pinResets   int

	lastReset     uint32
	pendingUnlock bool
}

func newFakePort(locked bool) *fakePort {
	return &fakePort{
		locked:  locked,
		idr:     0x12880000,
		mem:     map[uint32]uint32{},
		corrupt: map[uint32]uint32{},
	}
}

func (f *fakePort) writes() int { return f.apWrites + f.memWrites }

func (f *fakePort) ReadAP(ap byte, addr byte) (uint32, error) {
	f.apReads++
	if f.readAPErr != nil {
		return 0, f.readAPErr
	}
	switch {
	case ap == MemAP && addr == memAPCSW:
		csw := uint32(0x23000002)
		if !f.locked {
			csw |= 1 << cswDbgStatusBit
		}
		return csw, nil
	case ap == CtrlAP && addr == ctrlAPIDR:
		return f.idr, nil
	case ap == CtrlAP && addr == ctrlAPEraseAllStatus:
		if f.eraseBusy > 0 {
			f.eraseBusy--
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected AP read %d/0x%02X", ap, addr)
}

func (f *fakePort) WriteAP(ap byte, addr byte, value uint32) error {
	f.apWrites++
	switch {
	case ap == CtrlAP && addr == ctrlAPEraseAll:
		if value == 1 {
			f.eraseCmds++
			f.pendingUnlock = true
		}
	case ap == CtrlAP && addr == ctrlAPReset:
		if f.lastReset == 1 && value == 0 {
			f.resetPulses++
			if f.pendingUnlock && !f.stayLocked {
				f.locked = false
			}
			f.pendingUnlock = false
		}
		f.lastReset = value
	default:
		return fmt.Errorf("unexpected AP write %d/0x%02X", ap, addr)
	}
	return nil
}

func (f *fakePort) ReadWord(addr uint32) (uint32, error) {
	switch addr {
	case nvmcReady:
		return 1, nil
	case nvmcConfig:
		return f.nvmcCfg, nil
	}
	if v, ok := f.corrupt[addr]; ok {
		return v, nil
	}
	if v, ok := f.mem[addr]; ok {
		return v, nil
	}
	return 0xFFFFFFFF, nil
}

func (f *fakePort) WriteWord(addr uint32, value uint32) error {
	if addr == nvmcConfig {
		f.nvmcCfg = value
		return nil
	}
	if f.writeErrAt != 0 && addr == f.writeErrAt {
		return fmt.Errorf("write 0x%08X: bus fault", addr)
	}
	f.memWrites++
	f.writeAddrs = append(f.writeAddrs, addr)
	if f.nvmcCfg&1 == 1 {
		cur := uint32(0xFFFFFFFF)
		if v, ok := f.mem[addr]; ok {
			cur = v
		}
		f.mem[addr] = cur & value
	}
	return nil
}

func (f *fakePort) ResetTarget() error {
	f.pinResets++
	return nil
}
