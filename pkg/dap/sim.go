package dap

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// nRF91 register model constants used by the simulator.
const (
	simDPIDR     = 0x2BA01477
	simMemAPIDR  = 0x24770011
	simCtrlAPIDR = 0x12880000

	simCtrlAP = 4

	simCtrlAPReset          = 0x00
	simCtrlAPEraseAll       = 0x04
	simCtrlAPEraseAllStatus = 0x08

	simNVMCReady  = 0x50039400
	simNVMCConfig = 0x50039504
)

// SimTarget emulates a CMSIS-DAP probe wired to an nRF91-class target: a
// debug port, the application MEM-AP at index 0 with a sparse flash image
// and NVMC, and the CTRL-AP at index 4 with the erase-all/lock machinery.
// It implements Transport so tests and the --simulate CLI path can run the
// full stack without hardware.
type SimTarget struct {
	mu sync.Mutex

	// Locked models the APPROTECT state: while set, the MEM-AP is
	// disabled (CSW DbgStatus reads 0, memory accesses FAULT).
	Locked bool

	// EraseBusyPolls is how many ERASEALLSTATUS reads report busy before
	// an erase completes.
	EraseBusyPolls int

	// ZeroCtrlAPIDR makes the CTRL-AP IDR read as zero, as seen when the
	// AP index is wrong.
	ZeroCtrlAPIDR bool

	// StayLocked keeps the target locked even after an erase and reset,
	// modelling a part whose protection fuse refuses to clear.
	StayLocked bool

	// CorruptAddr, when CorruptReads is set, makes memory reads of that
	// address return a flipped value to provoke verify mismatches.
	CorruptAddr  uint32
	CorruptReads bool

	// Counters observed by tests.
	EraseCommands int
	ResetPulses   int
	MemWrites     int
	MemWriteLog   []uint32 // DRW target addresses in order

	selectReg uint32
	ctrlStat  uint32
	tar       uint32
	csw       uint32
	lastReset uint32

	busyLeft      int
	pendingUnlock bool

	nvmcConfig uint32
	mem        map[uint32]uint32
}

// NewSimTarget creates a simulated target. A locked target must be
// erase-unlocked before its memory is reachable.
func NewSimTarget(locked bool) *SimTarget {
	return &SimTarget{
		Locked: locked,
		mem:    make(map[uint32]uint32),
	}
}

// PacketSize implements Transport.
func (s *SimTarget) PacketSize() int { return DefaultPacketSize }

// Close implements Transport.
func (s *SimTarget) Close() error { return nil }

// Word returns the current content of a memory word, 0xFFFFFFFF if erased.
func (s *SimTarget) Word(addr uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMem(addr)
}

// WriteRead implements Transport by decoding one CMSIS-DAP command packet.
func (s *SimTarget) WriteRead(cmd []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(cmd) == 0 {
		return nil, fmt.Errorf("sim: empty command")
	}

	switch cmd[0] {
	case CmdInfo:
		return s.handleInfo(cmd)
	case CmdConnect:
		return []byte{CmdConnect, PortSWD}, nil
	case CmdDisconnect:
		return []byte{CmdDisconnect, StatusOK}, nil
	case CmdTransferConfigure:
		return []byte{CmdTransferConfigure, StatusOK}, nil
	case CmdSWJClock:
		return []byte{CmdSWJClock, StatusOK}, nil
	case CmdSWJSequence:
		return []byte{CmdSWJSequence, StatusOK}, nil
	case CmdResetTarget:
		s.ResetPulses++
		return []byte{CmdResetTarget, StatusOK, 0x01}, nil
	case CmdTransfer:
		return s.handleTransfer(cmd)
	default:
		return []byte{cmd[0], StatusError}, nil
	}
}

func (s *SimTarget) handleInfo(cmd []byte) ([]byte, error) {
	if len(cmd) < 2 {
		return nil, fmt.Errorf("sim: short DAP_Info")
	}
	var str string
	switch cmd[1] {
	case InfoVendorID:
		str = "OpenTraceLab"
	case InfoProductID:
		str = "Simulated Debug Probe"
	case InfoSerialNum:
		str = "SIM0001"
	case InfoFirmwareVer:
		str = "2.1.0"
	}
	resp := []byte{CmdInfo, byte(len(str) + 1)}
	resp = append(resp, str...)
	resp = append(resp, 0)
	return resp, nil
}

func (s *SimTarget) handleTransfer(cmd []byte) ([]byte, error) {
	if len(cmd) < 3 {
		return nil, fmt.Errorf("sim: short DAP_Transfer")
	}
	count := int(cmd[2])
	offset := 3

	resp := []byte{CmdTransfer, 0, AckOK}
	for i := 0; i < count; i++ {
		if offset >= len(cmd) {
			return nil, fmt.Errorf("sim: truncated DAP_Transfer")
		}
		req := cmd[offset]
		offset++

		var value uint32
		if req&TransferRead == 0 {
			if offset+4 > len(cmd) {
				return nil, fmt.Errorf("sim: truncated write data")
			}
			value = binary.LittleEndian.Uint32(cmd[offset:])
			offset += 4
		}

		data, ack := s.access(req, value)
		if ack != AckOK {
			resp[1] = byte(i)
			resp[2] = ack
			return resp, nil
		}
		if req&TransferRead != 0 {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], data)
			resp = append(resp, buf[:]...)
		}
	}

	resp[1] = byte(count)
	return resp, nil
}

// access performs one register transaction against the target model and
// returns the read value and ACK.
func (s *SimTarget) access(req byte, value uint32) (uint32, byte) {
	addr := req & TransferAddrMask
	read := req&TransferRead != 0

	if req&TransferAP == 0 {
		return s.accessDP(addr, read, value)
	}

	ap := byte(s.selectReg >> 24)
	full := byte(s.selectReg&0xF0) | addr
	switch ap {
	case 0:
		return s.accessMemAP(full, read, value)
	case simCtrlAP:
		return s.accessCtrlAP(full, read, value)
	default:
		// Unimplemented AP: reads return zero, writes vanish.
		return 0, AckOK
	}
}

func (s *SimTarget) accessDP(addr byte, read bool, value uint32) (uint32, byte) {
	switch addr {
	case dpRegIDRAbort:
		if read {
			return simDPIDR, AckOK
		}
		return 0, AckOK // ABORT
	case dpRegCtrlStat:
		if read {
			stat := s.ctrlStat
			if stat&ctrlStatPowerReq == ctrlStatPowerReq {
				stat |= ctrlStatPowerAck
			}
			return stat, AckOK
		}
		s.ctrlStat = value
		return 0, AckOK
	case dpRegSelect:
		if read {
			return s.selectReg, AckOK
		}
		s.selectReg = value
		return 0, AckOK
	case dpRegRDBuff:
		return 0, AckOK
	}
	return 0, AckFault
}

func (s *SimTarget) accessMemAP(addr byte, read bool, value uint32) (uint32, byte) {
	switch addr {
	case memAPCSW:
		if read {
			stat := s.csw
			if !s.Locked {
				stat |= 1 << 6 // DbgStatus
			}
			return stat, AckOK
		}
		s.csw = value
		return 0, AckOK
	case memAPTAR:
		if s.Locked {
			return 0, AckFault
		}
		if read {
			return s.tar, AckOK
		}
		s.tar = value
		return 0, AckOK
	case memAPDRW:
		if s.Locked {
			return 0, AckFault
		}
		if read {
			return s.readMem(s.tar), AckOK
		}
		s.writeMem(s.tar, value)
		return 0, AckOK
	case 0xFC:
		return simMemAPIDR, AckOK
	}
	return 0, AckFault
}

func (s *SimTarget) accessCtrlAP(addr byte, read bool, value uint32) (uint32, byte) {
	switch addr {
	case simCtrlAPReset:
		if read {
			return s.lastReset, AckOK
		}
		if s.lastReset == 1 && value == 0 {
			s.ResetPulses++
			if s.pendingUnlock && !s.StayLocked {
				s.Locked = false
			}
			s.pendingUnlock = false
		}
		s.lastReset = value
		return 0, AckOK
	case simCtrlAPEraseAll:
		if read {
			return 0, AckOK
		}
		if value == 1 {
			s.EraseCommands++
			s.busyLeft = s.EraseBusyPolls
			s.pendingUnlock = true
			s.mem = make(map[uint32]uint32) // flash back to all-ones
		}
		return 0, AckOK
	case simCtrlAPEraseAllStatus:
		if read {
			if s.busyLeft > 0 {
				s.busyLeft--
				return 1, AckOK
			}
			return 0, AckOK
		}
		return 0, AckFault
	case 0xFC:
		if s.ZeroCtrlAPIDR {
			return 0, AckOK
		}
		return simCtrlAPIDR, AckOK
	}
	return 0, AckFault
}

func (s *SimTarget) readMem(addr uint32) uint32 {
	switch addr {
	case simNVMCReady:
		return 1
	case simNVMCConfig:
		return s.nvmcConfig
	}
	v, ok := s.mem[addr]
	if !ok {
		v = 0xFFFFFFFF
	}
	if s.CorruptReads && addr == s.CorruptAddr {
		v ^= 1
	}
	return v
}

func (s *SimTarget) writeMem(addr uint32, value uint32) {
	if addr == simNVMCConfig {
		s.nvmcConfig = value
		return
	}

	s.MemWrites++
	s.MemWriteLog = append(s.MemWriteLog, addr)

	// Flash semantics: writes only clear bits, and only with NVMC write
	// enable set.
	if s.nvmcConfig&1 != 1 {
		return
	}
	old, ok := s.mem[addr]
	if !ok {
		old = 0xFFFFFFFF
	}
	s.mem[addr] = old & value
}
