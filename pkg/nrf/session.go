package nrf

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceRecover/pkg/dap"
)

// Outcome is the terminal result of one recovery run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeBadImage carries the image parser's error unchanged; no
	// hardware was touched.
	OutcomeBadImage
	OutcomeConnectionFailed
	OutcomeUnlockFailed
	OutcomeFlashFailed
	OutcomeConfigWriteFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBadImage:
		return "bad image"
	case OutcomeConnectionFailed:
		return "connection failed"
	case OutcomeUnlockFailed:
		return "unlock failed"
	case OutcomeFlashFailed:
		return "flash failed"
	case OutcomeConfigWriteFailed:
		return "config write failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Phase names the session's position in the recovery state machine.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnected
	PhaseLockChecked
	PhaseUnlocked
	PhaseFlashed
	PhaseConfigWritten
	PhaseReset
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnected:
		return "connected"
	case PhaseLockChecked:
		return "lock checked"
	case PhaseUnlocked:
		return "unlocked"
	case PhaseFlashed:
		return "flashed"
	case PhaseConfigWritten:
		return "config written"
	case PhaseReset:
		return "reset"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Config carries everything one recovery run needs. The zero value of the
// probe fields selects the default Raspberry Pi Debug Probe.
type Config struct {
	ImagePath string
	Timeout   time.Duration // probe connect bound, dap default if zero
	Force     bool          // erase-unlock even if the device looks unlocked

	VendorID  uint16
	ProductID uint16
	Serial    string

	Reset ResetKind

	// Transport, when set, bypasses USB and runs the session over the
	// given CMSIS-DAP transport (simulation and tests).
	Transport dap.Transport
}

// Run executes one complete recovery: connect, check lock state, unlock if
// needed, flash, write the protection configuration, reset. Transitions
// are strictly sequential; the first failure aborts the run and no later
// step executes. There is no resume: a failed run restarts from
// disconnected. The connection is closed on every exit path.
func Run(ctx context.Context, cfg Config) (Outcome, error) {
	// Parse and validate the image before touching any hardware: a
	// malformed image must not cost an erase.
	img, err := LoadImage(cfg.ImagePath)
	if err != nil {
		return OutcomeBadImage, err
	}
	glog.Infof("image %s: %d record(s), %d bytes", cfg.ImagePath, len(img.Records), img.Size())

	phase := PhaseDisconnected
	port, err := connect(ctx, cfg)
	if err != nil {
		return OutcomeConnectionFailed, fmt.Errorf("%s: %w", phase, err)
	}
	defer port.Close()

	phase = PhaseConnected
	glog.V(1).Infof("session: %s", phase)

	state := Detect(port)
	phase = PhaseLockChecked
	glog.Infof("lock state: %s", state)

	if err := NewUnlocker(port).Unlock(ctx, cfg.Force); err != nil {
		return OutcomeUnlockFailed, fmt.Errorf("%s: %w", phase, err)
	}
	phase = PhaseUnlocked
	glog.V(1).Infof("session: %s", phase)

	if err := NewProgrammer(port).Program(ctx, img); err != nil {
		return OutcomeFlashFailed, fmt.Errorf("%s: %w", phase, err)
	}
	phase = PhaseFlashed
	glog.V(1).Infof("session: %s", phase)

	if err := NewConfigWriter(port).Apply(ctx); err != nil {
		return OutcomeConfigWriteFailed, fmt.Errorf("%s: %w", phase, err)
	}
	phase = PhaseConfigWritten
	glog.V(1).Infof("session: %s", phase)

	if err := Reset(port, cfg.Reset); err != nil {
		// The device content is fully programmed at this point; what
		// failed is the debug link's ability to restart it.
		return OutcomeConnectionFailed, fmt.Errorf("%s: %w", phase, err)
	}
	phase = PhaseReset
	glog.V(1).Infof("session: %s", phase)

	phase = PhaseDone
	glog.Infof("session: %s", phase)
	return OutcomeSuccess, nil
}

func connect(ctx context.Context, cfg Config) (*dap.Client, error) {
	if cfg.Transport != nil {
		return dap.ConnectTransport(ctx, cfg.Transport, 0)
	}
	return dap.Connect(ctx, dap.Options{
		VendorID:  cfg.VendorID,
		ProductID: cfg.ProductID,
		Serial:    cfg.Serial,
		Timeout:   cfg.Timeout,
	})
}
