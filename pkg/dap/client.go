package dap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

// Debug-port register addresses (SWD). Address 0x0 reads DPIDR and writes
// ABORT.
const (
	dpRegIDRAbort = 0x0
	dpRegCtrlStat = 0x4
	dpRegSelect   = 0x8
	dpRegRDBuff   = 0xC
)

const (
	// ABORT bits clearing all sticky error flags
	abortClearStickies = 0x0000001E

	// CTRL/STAT power-up request and acknowledge bits
	ctrlStatPowerReq = 0x50000000 // CDBGPWRUPREQ | CSYSPWRUPREQ
	ctrlStatPowerAck = 0xA0000000 // CDBGPWRUPACK | CSYSPWRUPACK
)

// MEM-AP register addresses (bank 0) and the CSW value for 32-bit single
// accesses without auto-increment.
const (
	memAPCSW = 0x00
	memAPTAR = 0x04
	memAPDRW = 0x0C

	cswWord32 = 0x23000002
)

const (
	// DefaultConnectTimeout bounds the probe-open retry loop.
	DefaultConnectTimeout = 2000 * time.Millisecond
	connectRetryInterval  = 100 * time.Millisecond

	// DefaultClockHz is the SWD clock used after connecting.
	DefaultClockHz = 12_000_000

	powerUpPollInterval = 10 * time.Millisecond
	powerUpTimeout      = 500 * time.Millisecond
)

// ConnectError reports a failure to open and initialize the probe.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("probe connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AccessError reports a single failed register transaction.
type AccessError struct {
	AP   bool
	Addr byte
	Err  error
}

func (e *AccessError) Error() string {
	port := "DP"
	if e.AP {
		port = "AP"
	}
	return fmt.Sprintf("%s register 0x%X: %v", port, e.Addr, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// Info holds probe identification reported through DAP_Info.
type Info struct {
	Vendor   string
	Product  string
	Serial   string
	Firmware string
}

// Options configures Connect.
type Options struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
	Timeout   time.Duration // probe-open retry bound, DefaultConnectTimeout if zero
	ClockHz   uint32        // SWD clock, DefaultClockHz if zero
}

// Client is the register-level access-port client. All operations are
// synchronous and issue exactly one in-flight probe transaction at a time;
// no retries happen at this layer.
type Client struct {
	transport Transport
	protocol  *Protocol

	info       Info
	lastSelect uint32
	haveSelect bool

	mu sync.Mutex
}

// Connect opens the probe over USB, retrying every 100 ms until the timeout
// elapses, then brings up the SWD link and powers the debug domain.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.VendorID == 0 && opts.ProductID == 0 {
		opts.VendorID = VendorIDRaspberryPi
		opts.ProductID = ProductIDDebugProbe
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var transport *USBTransport
	err := backoff.Retry(func() error {
		t, err := NewUSBTransport(opts.VendorID, opts.ProductID, opts.Serial)
		if err != nil {
			glog.V(2).Infof("probe open: %v", err)
			return err
		}
		transport = t
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(connectRetryInterval), openCtx))
	if err != nil {
		return nil, &ConnectError{Err: fmt.Errorf("no probe after %v: %w", timeout, err)}
	}

	return ConnectTransport(ctx, transport, opts.ClockHz)
}

// ConnectTransport brings up the SWD link over an already-open transport.
// The client takes ownership of the transport: it is closed on Close and on
// every failed connect path.
func ConnectTransport(ctx context.Context, t Transport, clockHz uint32) (*Client, error) {
	if clockHz == 0 {
		clockHz = DefaultClockHz
	}

	c := &Client{
		transport: t,
		protocol:  NewProtocol(t.PacketSize()),
	}

	if err := c.queryInfo(); err != nil {
		t.Close()
		return nil, &ConnectError{Err: err}
	}
	glog.V(1).Infof("probe: vendor=%q product=%q serial=%q firmware=%q",
		c.info.Vendor, c.info.Product, c.info.Serial, c.info.Firmware)

	if err := c.initSWD(ctx, clockHz); err != nil {
		t.Close()
		return nil, &ConnectError{Err: err}
	}

	return c, nil
}

// queryInfo retrieves probe identification through DAP_Info.
func (c *Client) queryInfo() error {
	cmd := c.protocol.EncodeInfo(InfoVendorID)
	resp, err := c.transport.WriteRead(cmd)
	if err != nil {
		return err
	}
	c.info.Vendor, _ = c.protocol.DecodeInfo(resp)

	cmd = c.protocol.EncodeInfo(InfoProductID)
	resp, _ = c.transport.WriteRead(cmd)
	c.info.Product, _ = c.protocol.DecodeInfo(resp)

	cmd = c.protocol.EncodeInfo(InfoSerialNum)
	resp, _ = c.transport.WriteRead(cmd)
	c.info.Serial, _ = c.protocol.DecodeInfo(resp)

	cmd = c.protocol.EncodeInfo(InfoFirmwareVer)
	resp, _ = c.transport.WriteRead(cmd)
	c.info.Firmware, _ = c.protocol.DecodeInfo(resp)

	return nil
}

// initSWD connects the probe in SWD mode, switches the target's SWJ pins
// from JTAG to SWD and powers up the debug domain.
func (c *Client) initSWD(ctx context.Context, clockHz uint32) error {
	cmd := c.protocol.EncodeConnect(PortSWD)
	resp, err := c.transport.WriteRead(cmd)
	if err != nil {
		return err
	}
	port, err := c.protocol.DecodeConnect(resp)
	if err != nil {
		return err
	}
	if port != PortSWD {
		return fmt.Errorf("failed to connect in SWD mode (got port %d)", port)
	}

	cmd = c.protocol.EncodeSetClock(clockHz)
	if resp, err = c.transport.WriteRead(cmd); err != nil {
		return err
	}
	if err = c.protocol.DecodeSetClock(resp); err != nil {
		return err
	}

	cmd = c.protocol.EncodeTransferConfigure(0, 80, 0)
	if resp, err = c.transport.WriteRead(cmd); err != nil {
		return err
	}
	if err = c.protocol.DecodeTransferConfigure(resp); err != nil {
		return err
	}

	// Line reset, JTAG-to-SWD switch sequence, line reset, idle.
	ones := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for _, seq := range []struct {
		bits int
		data []byte
	}{
		{51, ones},
		{16, []byte{0x9E, 0xE7}},
		{51, ones},
		{8, []byte{0x00}},
	} {
		cmd = c.protocol.EncodeSWJSequence(seq.bits, seq.data)
		if resp, err = c.transport.WriteRead(cmd); err != nil {
			return err
		}
		if err = c.protocol.DecodeSWJSequence(resp); err != nil {
			return err
		}
	}

	// The target answers the first DPIDR read after line reset, which also
	// takes the DP out of its reset state.
	dpidr, err := c.ReadDP(dpRegIDRAbort)
	if err != nil {
		return fmt.Errorf("DPIDR read: %w", err)
	}
	glog.V(1).Infof("DPIDR: 0x%08X", dpidr)

	if err := c.WriteDP(dpRegIDRAbort, abortClearStickies); err != nil {
		return fmt.Errorf("sticky clear: %w", err)
	}
	if err := c.WriteDP(dpRegSelect, 0); err != nil {
		return err
	}
	c.lastSelect, c.haveSelect = 0, true

	if err := c.WriteDP(dpRegCtrlStat, ctrlStatPowerReq); err != nil {
		return fmt.Errorf("debug power-up request: %w", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, powerUpTimeout)
	defer cancel()
	err = backoff.Retry(func() error {
		stat, err := c.ReadDP(dpRegCtrlStat)
		if err != nil {
			return backoff.Permanent(err)
		}
		if stat&ctrlStatPowerAck != ctrlStatPowerAck {
			return fmt.Errorf("CTRL/STAT 0x%08X", stat)
		}
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(powerUpPollInterval), pollCtx))
	if err != nil {
		return fmt.Errorf("debug power-up not acknowledged: %w", err)
	}

	return nil
}

// Info returns the probe identification.
func (c *Client) Info() Info {
	return c.info
}

// transfer runs one DAP_Transfer command under the client lock.
func (c *Client) transfer(requests []TransferRequest) ([]uint32, error) {
	cmd := c.protocol.EncodeTransfer(requests)
	resp, err := c.transport.WriteRead(cmd)
	if err != nil {
		return nil, err
	}
	return c.protocol.DecodeTransfer(resp, requests)
}

// ReadDP reads a debug-port register.
func (c *Client) ReadDP(addr byte) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.transfer([]TransferRequest{ReadRequest(false, addr)})
	if err != nil {
		return 0, &AccessError{Addr: addr, Err: err}
	}
	return data[0], nil
}

// WriteDP writes a debug-port register.
func (c *Client) WriteDP(addr byte, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.transfer([]TransferRequest{WriteRequest(false, addr, value)}); err != nil {
		return &AccessError{Addr: addr, Err: err}
	}
	return nil
}

// selectLocked writes the DP SELECT register for the given AP and register
// bank unless it is already current. Caller holds c.mu.
func (c *Client) selectLocked(ap byte, addr byte) error {
	sel := uint32(ap)<<24 | uint32(addr&0xF0)
	if c.haveSelect && sel == c.lastSelect {
		return nil
	}
	if _, err := c.transfer([]TransferRequest{WriteRequest(false, dpRegSelect, sel)}); err != nil {
		c.haveSelect = false
		return err
	}
	c.lastSelect, c.haveSelect = sel, true
	return nil
}

// ReadAP reads a raw access-port register. addr is the full AP register
// address; the bank is routed through DP SELECT.
func (c *Client) ReadAP(ap byte, addr byte) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectLocked(ap, addr); err != nil {
		return 0, &AccessError{AP: true, Addr: addr, Err: err}
	}
	data, err := c.transfer([]TransferRequest{ReadRequest(true, addr)})
	if err != nil {
		return 0, &AccessError{AP: true, Addr: addr, Err: err}
	}
	return data[0], nil
}

// WriteAP writes a raw access-port register.
func (c *Client) WriteAP(ap byte, addr byte, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectLocked(ap, addr); err != nil {
		return &AccessError{AP: true, Addr: addr, Err: err}
	}
	if _, err := c.transfer([]TransferRequest{WriteRequest(true, addr, value)}); err != nil {
		return &AccessError{AP: true, Addr: addr, Err: err}
	}
	return nil
}

// memAP is the access port used for memory-mapped accesses. The nRF91
// application core's AHB-AP sits at index 0.
const memAP = 0

// ReadWord reads a 32-bit word from target memory through the MEM-AP.
func (c *Client) ReadWord(addr uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectLocked(memAP, memAPCSW); err != nil {
		return 0, &AccessError{AP: true, Addr: memAPDRW, Err: err}
	}
	data, err := c.transfer([]TransferRequest{
		WriteRequest(true, memAPCSW, cswWord32),
		WriteRequest(true, memAPTAR, addr),
		ReadRequest(true, memAPDRW),
	})
	if err != nil {
		return 0, &AccessError{AP: true, Addr: memAPDRW, Err: fmt.Errorf("read 0x%08X: %w", addr, err)}
	}
	return data[0], nil
}

// WriteWord writes a 32-bit word to target memory through the MEM-AP.
func (c *Client) WriteWord(addr uint32, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectLocked(memAP, memAPCSW); err != nil {
		return &AccessError{AP: true, Addr: memAPDRW, Err: err}
	}
	_, err := c.transfer([]TransferRequest{
		WriteRequest(true, memAPCSW, cswWord32),
		WriteRequest(true, memAPTAR, addr),
		WriteRequest(true, memAPDRW, value),
	})
	if err != nil {
		return &AccessError{AP: true, Addr: memAPDRW, Err: fmt.Errorf("write 0x%08X: %w", addr, err)}
	}
	return nil
}

// ResetTarget pulses the probe's reset line via DAP_ResetTarget.
func (c *Client) ResetTarget() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := c.protocol.EncodeResetTarget()
	resp, err := c.transport.WriteRead(cmd)
	if err != nil {
		return fmt.Errorf("reset target: %w", err)
	}
	return c.protocol.DecodeResetTarget(resp)
}

// Close disconnects the probe and releases the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := c.protocol.EncodeDisconnect()
	c.transport.WriteRead(cmd)

	return c.transport.Close()
}
