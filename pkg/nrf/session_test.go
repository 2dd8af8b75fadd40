package nrf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcinbor85/gohex"

	"github.com/OpenTraceLab/OpenTraceRecover/pkg/dap"
)

// writeHexImage writes a ten-record firmware image and returns its path.
// The records are spread out so each one stays its own data segment.
func writeHexImage(t *testing.T) string {
	t.Helper()
	mem := gohex.NewMemory()
	for i := 0; i < 10; i++ {
		addr := uint32(0x1000 + i*0x100)
		if err := mem.AddBinary(addr, []byte{byte(i), 0x22, 0x33, 0x44}); err != nil {
			t.Fatalf("AddBinary: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "fw.hex")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mem.DumpIntelHex(f, 16); err != nil {
		t.Fatalf("DumpIntelHex: %v", err)
	}
	f.Close()
	return path
}

func TestRunRecoversLockedDevice(t *testing.T) {
	sim := dap.NewSimTarget(true)
	outcome, err := Run(context.Background(), Config{
		ImagePath: writeHexImage(t),
		Transport: sim,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}

	if sim.EraseCommands != 1 {
		t.Errorf("erase commands = %d, want 1", sim.EraseCommands)
	}
	// One reset to latch the unlock, one to boot the firmware.
	if sim.ResetPulses != 2 {
		t.Errorf("reset pulses = %d, want 2", sim.ResetPulses)
	}
	// Ten firmware words plus two protection words.
	if sim.MemWrites != 12 {
		t.Errorf("memory writes = %d, want 12", sim.MemWrites)
	}
	if got := sim.Word(0x1000); got != 0x44332200 {
		t.Errorf("flash[0x1000] = 0x%08X, want 0x44332200", got)
	}
	if got := sim.Word(0x1900); got != 0x44332209 {
		t.Errorf("flash[0x1900] = 0x%08X, want 0x44332209", got)
	}
	for _, cfg := range ProtectionWrites {
		if got := sim.Word(cfg.Addr); got != cfg.Value {
			t.Errorf("uicr[0x%08X] = 0x%08X, want 0x%08X", cfg.Addr, got, cfg.Value)
		}
	}

	// Strict ordering: all firmware words land before the first
	// protection word.
	var wantLog []uint32
	for i := 0; i < 10; i++ {
		wantLog = append(wantLog, uint32(0x1000+i*0x100))
	}
	for _, cfg := range ProtectionWrites {
		wantLog = append(wantLog, cfg.Addr)
	}
	if len(sim.MemWriteLog) != len(wantLog) {
		t.Fatalf("write log %#v, want %#v", sim.MemWriteLog, wantLog)
	}
	for i := range wantLog {
		if sim.MemWriteLog[i] != wantLog[i] {
			t.Errorf("write %d at 0x%08X, want 0x%08X", i, sim.MemWriteLog[i], wantLog[i])
		}
	}
}

func TestRunSkipsEraseWhenUnlocked(t *testing.T) {
	sim := dap.NewSimTarget(false)
	outcome, err := Run(context.Background(), Config{
		ImagePath: writeHexImage(t),
		Transport: sim,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}
	if sim.EraseCommands != 0 {
		t.Errorf("erase commands = %d, want 0", sim.EraseCommands)
	}
	// Only the final boot reset.
	if sim.ResetPulses != 1 {
		t.Errorf("reset pulses = %d, want 1", sim.ResetPulses)
	}
}

func TestRunUnlockFailure(t *testing.T) {
	sim := dap.NewSimTarget(true)
	sim.StayLocked = true
	outcome, err := Run(context.Background(), Config{
		ImagePath: writeHexImage(t),
		Transport: sim,
	})
	if outcome != OutcomeUnlockFailed {
		t.Fatalf("outcome = %v (err %v), want unlock failed", outcome, err)
	}
	var uerr *UnlockError
	if !errors.As(err, &uerr) {
		t.Errorf("err = %v, want *UnlockError", err)
	}
	// No flash or configuration write may happen on a locked part.
	if sim.MemWrites != 0 {
		t.Errorf("memory writes = %d, want 0", sim.MemWrites)
	}
}

func TestRunBadImage(t *testing.T) {
	sim := dap.NewSimTarget(true)
	outcome, err := Run(context.Background(), Config{
		ImagePath: filepath.Join(t.TempDir(), "missing.hex"),
		Transport: sim,
	})
	if outcome != OutcomeBadImage || err == nil {
		t.Fatalf("outcome = %v (err %v), want bad image", outcome, err)
	}
	// Hardware untouched: the transport never saw a packet.
	if sim.EraseCommands != 0 || sim.MemWrites != 0 || sim.ResetPulses != 0 {
		t.Error("bad image touched the target")
	}
}

type deadTransport struct{}

func (deadTransport) WriteRead([]byte) ([]byte, error) {
	return nil, errors.New("probe detached")
}
func (deadTransport) PacketSize() int { return 64 }
func (deadTransport) Close() error    { return nil }

func TestRunConnectionFailure(t *testing.T) {
	outcome, err := Run(context.Background(), Config{
		ImagePath: writeHexImage(t),
		Transport: deadTransport{},
	})
	if outcome != OutcomeConnectionFailed || err == nil {
		t.Fatalf("outcome = %v (err %v), want connection failed", outcome, err)
	}
}

func TestRunFlashVerifyFailure(t *testing.T) {
	sim := dap.NewSimTarget(true)
	sim.CorruptAddr = 0x1400
	sim.CorruptReads = true
	outcome, err := Run(context.Background(), Config{
		ImagePath: writeHexImage(t),
		Transport: sim,
	})
	if outcome != OutcomeFlashFailed {
		t.Fatalf("outcome = %v (err %v), want flash failed", outcome, err)
	}
	var ferr *FlashError
	if !errors.As(err, &ferr) {
		t.Fatalf("err = %v, want *FlashError", err)
	}
	if ferr.Addr != 0x1400 {
		t.Errorf("FlashError.Addr = 0x%08X, want 0x1400", ferr.Addr)
	}
	// No protection word may be touched after a failed flash, and the
	// boot reset never fires.
	for _, cfg := range ProtectionWrites {
		if got := sim.Word(cfg.Addr); got != 0xFFFFFFFF {
			t.Errorf("uicr[0x%08X] = 0x%08X after flash failure, want erased", cfg.Addr, got)
		}
	}
	if sim.ResetPulses != 1 {
		t.Errorf("reset pulses = %d, want 1 (unlock only)", sim.ResetPulses)
	}
}

func TestRunConfigWriteFailure(t *testing.T) {
	sim := dap.NewSimTarget(true)
	sim.CorruptAddr = ProtectionWrites[0].Addr
	sim.CorruptReads = true
	outcome, err := Run(context.Background(), Config{
		ImagePath: writeHexImage(t),
		Transport: sim,
	})
	if outcome != OutcomeConfigWriteFailed {
		t.Fatalf("outcome = %v (err %v), want config write failed", outcome, err)
	}
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	// The boot reset must not fire with an unverified protection word.
	if sim.ResetPulses != 1 {
		t.Errorf("reset pulses = %d, want 1 (unlock only)", sim.ResetPulses)
	}
}
