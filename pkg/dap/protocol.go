package dap

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP Command IDs
const (
	CmdInfo              = 0x00
	CmdHostStatus        = 0x01
	CmdConnect           = 0x02
	CmdDisconnect        = 0x03
	CmdTransferConfigure = 0x04
	CmdTransfer          = 0x05
	CmdResetTarget       = 0x0A
	CmdSWJClock          = 0x11
	CmdSWJSequence       = 0x12
)

// DAP_Info Info IDs
const (
	InfoVendorID     = 0x01
	InfoProductID    = 0x02
	InfoSerialNum    = 0x03
	InfoFirmwareVer  = 0x04
	InfoCapabilities = 0xF0
	InfoPacketCount  = 0xFE
	InfoPacketSize   = 0xFF
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// Transfer request bits (one request byte per transfer)
const (
	TransferAP       = 0x01 // access-port register (0 = debug-port register)
	TransferRead     = 0x02 // read (0 = write)
	TransferA2       = 0x04 // register address bit 2
	TransferA3       = 0x08 // register address bit 3
	TransferAddrMask = TransferA2 | TransferA3
)

// Transfer response ACK values (low 3 bits of the response byte)
const (
	AckOK    = 0x01
	AckWait  = 0x02
	AckFault = 0x04

	AckProtocolError = 0x08 // no response on the wire
	AckValueMismatch = 0x10
)

// Protocol handles encoding/decoding of CMSIS-DAP commands.
type Protocol struct {
	PacketSize int
}

// NewProtocol creates a new protocol handler.
func NewProtocol(packetSize int) *Protocol {
	return &Protocol{
		PacketSize: packetSize,
	}
}

// EncodeInfo builds a DAP_Info command
func (p *Protocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info response
func (p *Protocol) DecodeInfo(resp []byte) (string, error) {
	if len(resp) < 2 {
		return "", fmt.Errorf("response too short")
	}
	if resp[0] != CmdInfo {
		return "", fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}

	length := int(resp[1])
	if len(resp) < 2+length {
		return "", fmt.Errorf("incomplete info string")
	}

	s := resp[2 : 2+length]
	// Info strings are NUL terminated on the wire
	if length > 0 && s[length-1] == 0 {
		s = s[:length-1]
	}
	return string(s), nil
}

// EncodeConnect builds a DAP_Connect command
func (p *Protocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *Protocol) DecodeConnect(resp []byte) (byte, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("response too short")
	}
	if resp[0] != CmdConnect {
		return 0, fmt.Errorf("invalid command ID")
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *Protocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// DecodeDisconnect parses a DAP_Disconnect response
func (p *Protocol) DecodeDisconnect(resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short")
	}
	if resp[0] != CmdDisconnect {
		return fmt.Errorf("invalid command ID")
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("disconnect failed")
	}
	return nil
}

// EncodeTransferConfigure builds a DAP_TransferConfigure command.
// idleCycles is the number of extra clock cycles after each transfer,
// waitRetry and matchRetry bound the probe's internal WAIT/match retries.
func (p *Protocol) EncodeTransferConfigure(idleCycles byte, waitRetry, matchRetry uint16) []byte {
	cmd := make([]byte, 6)
	cmd[0] = CmdTransferConfigure
	cmd[1] = idleCycles
	binary.LittleEndian.PutUint16(cmd[2:], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:], matchRetry)
	return cmd
}

// DecodeTransferConfigure parses response
func (p *Protocol) DecodeTransferConfigure(resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransferConfigure {
		return fmt.Errorf("invalid command ID")
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("transfer configure failed")
	}
	return nil
}

// TransferRequest describes one register transaction inside a DAP_Transfer
// command. Addr carries register address bits [3:2]; the bank is selected
// beforehand through the DP SELECT register.
type TransferRequest struct {
	Request byte   // TransferAP/TransferRead/address bits
	Value   uint32 // written value, ignored for reads
}

// ReadRequest builds a register read request.
func ReadRequest(ap bool, addr byte) TransferRequest {
	req := byte(TransferRead) | (addr & TransferAddrMask)
	if ap {
		req |= TransferAP
	}
	return TransferRequest{Request: req}
}

// WriteRequest builds a register write request.
func WriteRequest(ap bool, addr byte, value uint32) TransferRequest {
	req := addr & TransferAddrMask
	if ap {
		req |= TransferAP
	}
	return TransferRequest{Request: req, Value: value}
}

// EncodeTransfer builds a DAP_Transfer command for the given requests.
func (p *Protocol) EncodeTransfer(requests []TransferRequest) []byte {
	size := 3
	for _, r := range requests {
		size++
		if r.Request&TransferRead == 0 {
			size += 4
		}
	}

	cmd := make([]byte, size)
	cmd[0] = CmdTransfer
	cmd[1] = 0 // DAP index, always 0 for SWD
	cmd[2] = byte(len(requests))

	offset := 3
	for _, r := range requests {
		cmd[offset] = r.Request
		offset++
		if r.Request&TransferRead == 0 {
			binary.LittleEndian.PutUint32(cmd[offset:], r.Value)
			offset += 4
		}
	}

	return cmd
}

// DecodeTransfer parses a DAP_Transfer response and returns the read data in
// request order. A non-OK ACK or a partially executed batch is reported
// through the error.
func (p *Protocol) DecodeTransfer(resp []byte, requests []TransferRequest) ([]uint32, error) {
	if len(resp) < 3 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransfer {
		return nil, fmt.Errorf("invalid command ID")
	}

	executed := int(resp[1])
	ack := resp[2]
	if ack&AckProtocolError != 0 {
		return nil, fmt.Errorf("SWD protocol error after %d transfer(s)", executed)
	}
	if a := ack & 0x07; a != AckOK {
		return nil, fmt.Errorf("transfer %s after %d transfer(s)", ackName(a), executed)
	}
	if executed != len(requests) {
		return nil, fmt.Errorf("executed %d of %d transfers", executed, len(requests))
	}

	var data []uint32
	offset := 3
	for _, r := range requests {
		if r.Request&TransferRead == 0 {
			continue
		}
		if offset+4 > len(resp) {
			return nil, fmt.Errorf("incomplete read data")
		}
		data = append(data, binary.LittleEndian.Uint32(resp[offset:]))
		offset += 4
	}

	return data, nil
}

func ackName(ack byte) string {
	switch ack {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	default:
		return fmt.Sprintf("ACK 0x%02X", ack)
	}
}

// EncodeSWJSequence builds a DAP_SWJ_Sequence command clocking out the given
// bits on SWDIO/TMS. A bit count of 256 is encoded as 0.
func (p *Protocol) EncodeSWJSequence(bits int, data []byte) []byte {
	cmd := make([]byte, 2+len(data))
	cmd[0] = CmdSWJSequence
	cmd[1] = byte(bits) // 256 encodes as 0
	copy(cmd[2:], data)
	return cmd
}

// DecodeSWJSequence parses response
func (p *Protocol) DecodeSWJSequence(resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short")
	}
	if resp[0] != CmdSWJSequence {
		return fmt.Errorf("invalid command ID")
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("SWJ sequence failed")
	}
	return nil
}

// EncodeSetClock builds a DAP_SWJ_Clock command
func (p *Protocol) EncodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// DecodeSetClock parses response
func (p *Protocol) DecodeSetClock(resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short")
	}
	if resp[0] != CmdSWJClock {
		return fmt.Errorf("invalid command ID")
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("set clock failed")
	}
	return nil
}

// EncodeResetTarget builds a DAP_ResetTarget command
func (p *Protocol) EncodeResetTarget() []byte {
	return []byte{CmdResetTarget}
}

// DecodeResetTarget parses response
func (p *Protocol) DecodeResetTarget(resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short")
	}
	if resp[0] != CmdResetTarget {
		return fmt.Errorf("invalid command ID")
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("reset target failed")
	}
	return nil
}
