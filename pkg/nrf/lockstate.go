package nrf

import "github.com/golang/glog"

// LockState classifies the device's access-port protection state.
type LockState int

const (
	// LockStateIndeterminate means the status register could not be read
	// or carried an implausible value. It is actionable: callers may
	// force-unlock.
	LockStateIndeterminate LockState = iota
	LockStateLocked
	LockStateUnlocked
)

func (s LockState) String() string {
	switch s {
	case LockStateLocked:
		return "locked"
	case LockStateUnlocked:
		return "unlocked"
	default:
		return "indeterminate"
	}
}

// Detect reads the application MEM-AP CSW register and classifies the
// DbgStatus bit. It is a pure function of the register's current value and
// performs no writes; the state is never cached because erase and reset
// change it.
func Detect(port RegisterPort) LockState {
	csw, err := port.ReadAP(MemAP, memAPCSW)
	if err != nil {
		glog.V(1).Infof("CSW read failed: %v", err)
		return LockStateIndeterminate
	}
	return classifyCSW(csw)
}

func classifyCSW(csw uint32) LockState {
	// A floating or failed SWD read shows up as all-ones.
	if csw == 0xFFFFFFFF {
		return LockStateIndeterminate
	}
	if csw>>cswDbgStatusBit&1 == 1 {
		return LockStateUnlocked
	}
	return LockStateLocked
}
