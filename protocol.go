package replhost

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// ProtocolState is internal to the Protocol Engine (SPEC_FULL.md §3). At
// most one state is active per transport; transitions happen exclusively
// through Engine methods.
type ProtocolState int

const (
	StateNormal ProtocolState = iota
	StateRaw
	StateRawPaste
)

func (s ProtocolState) String() string {
	switch s {
	case StateRaw:
		return "Raw"
	case StateRawPaste:
		return "RawPaste"
	default:
		return "Normal"
	}
}

var rawBanner = []byte("raw REPL")
var interactivePrompt = []byte(">>>")

// Engine drives the Raw / Raw-Paste sub-protocols over a Transport. Its
// methods are not internally synchronized: the Orchestrator guarantees
// exactly one active operation at a time (SPEC_FULL.md §4.2 "Concurrency").
type Engine struct {
	t   Transport
	cfg *Config

	state ProtocolState
	poll  *AdaptivePoll

	// rawPasteSupported caches whether the device answered the raw-paste
	// probe affirmatively, so the capability snapshot can report it without
	// re-probing every call.
	rawPasteSupported *bool
}

// NewEngine wraps a Transport with the protocol state machine.
func NewEngine(t Transport, cfg *Config) *Engine {
	return &Engine{
		t:     t,
		cfg:   cfg,
		state: StateNormal,
		poll:  NewAdaptivePoll(cfg.fastPoll, cfg.steadyPoll),
	}
}

func (e *Engine) State() ProtocolState { return e.state }

// Init brings the device to a known Normal state: settle, drain, interrupt,
// drain again. Idempotent — safe to call again after a failed execute.
func (e *Engine) Init() error {
	if e.cfg.settleDelay > 0 {
		time.Sleep(e.cfg.settleDelay)
	}
	e.drain(200 * time.Millisecond)
	if err := e.t.WriteAll([]byte{'\r', ctrlETX}, deadline(e.cfg.ackTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	e.drain(300 * time.Millisecond)
	e.state = StateNormal
	return nil
}

// drain reads and discards pending bytes until a read attempt comes back
// empty (or fails) or budget elapses, without raising either way — it's a
// best-effort flush, not a protocol phase.
func (e *Engine) drain(budget time.Duration) {
	deadlineAt := time.Now().Add(budget)
	buf := make([]byte, 512)
	e.poll.Reset()
	for time.Now().Before(deadlineAt) {
		n, err := e.t.ReadAvailable(buf, deadlineMillis(e.pollQuantum(deadlineAt)))
		if err != nil || n == 0 {
			return
		}
		e.poll.Reset()
	}
}

// EnterRaw sends SOH and waits for the "raw REPL" banner.
func (e *Engine) EnterRaw() error {
	if err := e.t.WriteAll([]byte{ctrlSOH}, deadline(e.cfg.ackTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	ok, err := e.readUntilContains(rawBanner, e.cfg.initTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: expected=Raw actual=%s", ErrProtocolMismatch, e.state)
	}
	e.state = StateRaw
	return nil
}

// ExitRaw sends STX and waits for the interactive prompt.
func (e *Engine) ExitRaw() error {
	if err := e.t.WriteAll([]byte{ctrlSTX}, deadline(e.cfg.ackTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	_, err := e.readUntilContains(interactivePrompt, e.cfg.initTimeout)
	e.state = StateNormal
	return err
}

// readUntilContains accumulates reads until marker appears in the rolling
// buffer or the deadline elapses.
func (e *Engine) readUntilContains(marker []byte, d time.Duration) (bool, error) {
	deadlineAt := time.Now().Add(d)
	var acc bytes.Buffer
	buf := make([]byte, 256)
	e.poll.Reset()
	for time.Now().Before(deadlineAt) {
		n, err := e.t.ReadAvailable(buf, deadlineMillis(e.pollQuantum(deadlineAt)))
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
		if n > 0 {
			acc.Write(buf[:n])
			e.poll.Reset()
			if bytes.Contains(acc.Bytes(), marker) {
				return true, nil
			}
			continue
		}
		e.poll.Sleep()
	}
	return false, nil
}

// pollQuantum bounds a single read attempt to the poller's current interval,
// clamped to whatever remains of the overall deadline.
func (e *Engine) pollQuantum(deadlineAt time.Time) time.Duration {
	remain := time.Until(deadlineAt)
	if e.poll.Cur < remain {
		return e.poll.Cur
	}
	return remain
}

// readUntilTerminator accumulates reads until the framing terminator
// (EOT '>') appears, returning the buffer with the terminator stripped.
func (e *Engine) readUntilTerminator(d time.Duration) ([]byte, error) {
	deadlineAt := time.Now().Add(d)
	var acc bytes.Buffer
	buf := make([]byte, 512)
	e.poll.Reset()
	for time.Now().Before(deadlineAt) {
		n, err := e.t.ReadAvailable(buf, deadlineMillis(e.pollQuantum(deadlineAt)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
		if n > 0 {
			acc.Write(buf[:n])
			e.poll.Reset()
			if idx := findFramingTerminator(acc.Bytes()); idx >= 0 {
				return acc.Bytes()[:idx], nil
			}
			continue
		}
		e.poll.Sleep()
	}
	return nil, fmt.Errorf("%w: execute", ErrTimeout)
}

// Execute runs a code fragment to completion, preferring windowed Raw-Paste
// and transparently falling back to plain Raw when the device does not
// answer the probe with 'R' (SPEC_FULL.md §4.2). Precondition: state Raw.
// Postcondition: state Raw (never RawPaste), restored by the finally path
// even on error.
func (e *Engine) Execute(code []byte, execDeadline time.Duration) (body []byte, err error) {
	if e.state != StateRaw {
		return nil, fmt.Errorf("%w: expected=Raw actual=%s", ErrProtocolMismatch, e.state)
	}

	deadlineAt := time.Now().Add(execDeadline)

	defer func() {
		if e.state == StateRawPaste {
			e.state = StateRaw
		}
	}()

	useRawPaste, window, probeErr := e.probeRawPaste()
	if probeErr != nil {
		return nil, probeErr
	}

	if useRawPaste {
		return e.executeRawPaste(code, window, deadlineAt)
	}
	return e.executePlainRaw(code, deadlineAt)
}

// probeRawPaste sends the three-byte probe and interprets the reply per
// SPEC_FULL.md §4.2 step 2-3. It is re-run on every Execute call (the spec
// normalizes the "probe per-call" open question) but the result is cached
// onto rawPasteSupported for the capability snapshot.
func (e *Engine) probeRawPaste() (ok bool, window uint16, err error) {
	if err := e.t.WriteAll(rawPasteProbe, deadline(e.cfg.ackTimeout)); err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	reply, err := e.t.ReadExact(1, deadline(e.cfg.ackTimeout))
	if err != nil {
		return false, 0, err
	}
	supported := len(reply) == 1 && reply[0] == 'R'
	e.rawPasteSupported = &supported
	if !supported {
		return false, 0, nil
	}

	status, err := e.t.ReadExact(1, deadline(e.cfg.ackTimeout))
	if err != nil {
		return false, 0, err
	}
	if len(status) != 1 || status[0] != 0x01 {
		supported = false
		e.rawPasteSupported = &supported
		return false, 0, nil
	}

	wbuf, err := e.t.ReadExact(2, deadline(e.cfg.ackTimeout))
	if err != nil {
		return false, 0, err
	}
	window = binary.LittleEndian.Uint16(wbuf)
	e.state = StateRawPaste
	return true, window, nil
}

// executeRawPaste streams code honoring the window-increment flow control.
func (e *Engine) executeRawPaste(code []byte, window uint16, deadlineAt time.Time) ([]byte, error) {
	credit := int(window)
	pos := 0
	for pos < len(code) {
		if credit == 0 {
			b, err := e.t.ReadExact(1, deadlineMillis(time.Until(deadlineAt)))
			if err != nil {
				return nil, err
			}
			switch b[0] {
			case 0x01:
				credit += int(window)
			case ctrlEOT:
				return nil, ErrTransportAbort
			default:
				return nil, fmt.Errorf("%w: byte=%#x credit=%d", ErrFlowControlViolation, b[0], credit)
			}
			continue
		}
		chunk := credit
		if pos+chunk > len(code) {
			chunk = len(code) - pos
		}
		if err := e.t.WriteAll(code[pos:pos+chunk], deadlineMillis(time.Until(deadlineAt))); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
		pos += chunk
		credit -= chunk
	}

	if err := e.t.WriteAll([]byte{ctrlEOT}, deadlineMillis(time.Until(deadlineAt))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	return e.readUntilTerminator(time.Until(deadlineAt))
}

// executePlainRaw writes the fragment, waits for the "OK" acknowledgement,
// then reads output to the framing terminator.
func (e *Engine) executePlainRaw(code []byte, deadlineAt time.Time) ([]byte, error) {
	if err := e.t.WriteAll(code, deadlineMillis(time.Until(deadlineAt))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	if err := e.t.WriteAll([]byte{ctrlEOT}, deadlineMillis(time.Until(deadlineAt))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	ack, err := e.t.ReadExact(2, deadline(e.cfg.ackTimeout))
	if err != nil {
		return nil, err
	}
	if string(ack) != "OK" {
		return nil, fmt.Errorf("%w: expected=OK actual=%q", ErrProtocolMismatch, ack)
	}
	return e.readUntilTerminator(time.Until(deadlineAt))
}

// Interrupt sends ETX to abort a running program, used by cancellation.
func (e *Engine) Interrupt() error {
	return e.t.WriteAll([]byte{ctrlETX}, deadline(e.cfg.ackTimeout))
}

// SupportsRawPaste reports the last probed raw-paste support, or nil if no
// execute has run yet this connection.
func (e *Engine) SupportsRawPaste() *bool { return e.rawPasteSupported }
