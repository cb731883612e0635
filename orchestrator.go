package replhost

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnState is the Session's connection state (SPEC_FULL.md §3), monotonic
// except for Reconnecting→Connected and Error→Connecting.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Executing
	Reconnecting
	Error
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Executing:
		return "Executing"
	case Reconnecting:
		return "Reconnecting"
	case Error:
		return "Error"
	default:
		return "Disconnected"
	}
}

// OutputEvent is delivered to output listeners after each execute: one event
// for the trimmed output region and one (IsError) for the error region, each
// only when non-empty.
type OutputEvent struct {
	Text      string
	IsError   bool
	Timestamp time.Time
}

// StateEvent is delivered to state listeners for every connection-state transition.
type StateEvent struct {
	Old, New ConnState
	Reason   string
	Cause    error
}

// OutputListener and StateListener are observer callbacks. They are invoked
// synchronously on the goroutine that emits the event; during Execute that
// goroutine still holds the execution permit, so a listener must not call
// back into the same session or deadlock is possible.
type OutputListener func(OutputEvent)
type StateListener func(StateEvent)

// ListenerHandle is the revocable registration returned by Subscribe. The
// Session holds only this handle's id internally, never a strong reference
// back to the observer beyond the callback itself — breaking the cycle
// SPEC_FULL.md §9 calls out between Orchestrator, Protocol Engine, and observers.
type ListenerHandle struct {
	revoke func()
}

// Revoke unregisters the listener. Safe to call more than once.
func (h ListenerHandle) Revoke() {
	if h.revoke != nil {
		h.revoke()
	}
}

// ExecutionRecord is the ephemeral per-call record described in SPEC_FULL.md §3.
type ExecutionRecord struct {
	Fragment string
	Sequence uint64
	Deadline time.Time
}

// Result is the per-call result record (SPEC_FULL.md §3). Success implies
// Stderr=="" and ErrorKind==ErrorNone; failure implies ErrorKind!=ErrorNone.
type Result struct {
	Success    bool
	Stdout     string
	Stderr     string
	Value      string
	ErrorKind  ErrorKind
	LineNumber int // -1 if not present
	Cause      error
}

// Session is the Session Orchestrator: it owns the Protocol Engine, the
// transport handle, the execution permit, the history buffer, and the
// connection-state field (SPEC_FULL.md §3 "Ownership"). External callers
// hold only *Session and the opaque ListenerHandle it returns.
type Session struct {
	id         string
	connString string
	cfg        *Config

	mu        sync.Mutex // guards transport/engine swap during connect/reconnect
	transport Transport
	engine    *Engine

	state atomic.Int32

	permit chan struct{} // capacity 1, single-holder execution permit

	history    *historyBuffer
	sequence   atomic.Uint64
	capability atomic.Pointer[CapabilitySnapshot]

	listenerMu     sync.Mutex
	nextListenerID int
	outputListeners map[int]OutputListener
	stateListeners  map[int]StateListener

	reconnecting atomic.Bool
}

// NewSession constructs a Session against a connection string
// ("serial:/dev/ttyACM0", "subprocess:micropython") without connecting.
func NewSession(connString string, opts ...Option) (*Session, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:              uuid.NewString(),
		connString:      connString,
		cfg:             cfg,
		permit:          make(chan struct{}, 1),
		history:         newHistoryBuffer(cfg.historyCapacity),
		outputListeners: make(map[int]OutputListener),
		stateListeners:  make(map[int]StateListener),
	}
	s.permit <- struct{}{}
	s.state.Store(int32(Disconnected))
	return s, nil
}

// ID returns the session's stable identifier, used in error context maps.
func (s *Session) ID() string { return s.id }

// State returns the current connection state.
func (s *Session) State() ConnState { return ConnState(s.state.Load()) }

// Capability returns the last-published device capability snapshot, or nil
// if none has been collected yet.
func (s *Session) Capability() *CapabilitySnapshot { return s.capability.Load() }

// Subscribe registers output and state observers. Either may be nil.
func (s *Session) Subscribe(out OutputListener, st StateListener) ListenerHandle {
	s.listenerMu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	if out != nil {
		s.outputListeners[id] = out
	}
	if st != nil {
		s.stateListeners[id] = st
	}
	s.listenerMu.Unlock()

	return ListenerHandle{revoke: func() {
		s.listenerMu.Lock()
		delete(s.outputListeners, id)
		delete(s.stateListeners, id)
		s.listenerMu.Unlock()
	}}
}

func (s *Session) emitOutput(ev OutputEvent) {
	s.listenerMu.Lock()
	listeners := make([]OutputListener, 0, len(s.outputListeners))
	for _, l := range s.outputListeners {
		listeners = append(listeners, l)
	}
	s.listenerMu.Unlock()
	for _, l := range listeners {
		safeCall(func() { l(ev) })
	}
}

func (s *Session) transition(new ConnState, reason string, cause error) {
	old := ConnState(s.state.Swap(int32(new)))
	if old == new {
		return
	}
	s.listenerMu.Lock()
	listeners := make([]StateListener, 0, len(s.stateListeners))
	for _, l := range s.stateListeners {
		listeners = append(listeners, l)
	}
	s.listenerMu.Unlock()
	ev := StateEvent{Old: old, New: new, Reason: reason, Cause: cause}
	for _, l := range listeners {
		safeCall(func() { l(ev) })
	}
}

// safeCall invokes an observer callback, swallowing panics per SPEC_FULL.md
// §4.5 "Listener exceptions are caught and ignored."
func safeCall(f func()) {
	defer func() { recover() }()
	f()
}

// Connect is idempotent: Disconnected→Connecting→Connected, or →Error.
func (s *Session) Connect() error {
	if s.State() == Connected {
		return nil
	}
	s.transition(Connecting, "connect", nil)

	transport, ep, err := openTransport(s.connString, s.cfg)
	if err != nil {
		s.transition(Error, "connect", err)
		return newSessionError("Session.Connect", ErrConnectionFailed, map[string]string{"session_id": s.id, "cause": err.Error()})
	}

	engine := NewEngine(transport, s.cfg)
	if err := s.handshake(engine); err != nil {
		transport.Close()
		s.transition(Error, "connect", err)
		return newSessionError("Session.Connect", ErrConnectionFailed, map[string]string{"session_id": s.id, "cause": err.Error()})
	}

	s.mu.Lock()
	s.transport = transport
	s.engine = engine
	s.mu.Unlock()

	s.probeCapabilities(ep)
	s.transition(Connected, "connect", nil)
	return nil
}

// handshake runs SPEC_FULL.md §4.5's post-open sequence: ETX, 100ms, EOT
// (soft-reboot), 500ms, then protocol init and Raw entry.
func (s *Session) handshake(e *Engine) error {
	if err := e.t.WriteAll([]byte{ctrlETX}, deadline(s.cfg.ackTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := e.t.WriteAll([]byte{ctrlEOT}, deadline(s.cfg.ackTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	time.Sleep(500 * time.Millisecond)

	if err := e.Init(); err != nil {
		return err
	}
	if err := e.EnterRaw(); err != nil {
		return err
	}
	return nil
}

// probeCapabilities runs the capability probe fragment once per connection.
// Failure is non-fatal: the snapshot simply remains unset.
func (s *Session) probeCapabilities(ep *Endpoint) {
	body, err := s.engine.Execute([]byte(capabilityProbeFragment), s.cfg.executeTimeout)
	if err != nil {
		s.cfg.logger.Warn("capability probe failed", "session", s.id, "error", err)
		return
	}
	parsed := ParseFramed(body)
	supportsRawPaste := false
	if v := s.engine.SupportsRawPaste(); v != nil {
		supportsRawPaste = *v
	}
	snap := ParseCapabilityProbe(parsed.Output, supportsRawPaste, time.Now())
	s.capability.Store(&snap)
}

// Disconnect best-effort exits Raw, closes the transport, → Disconnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	engine, transport := s.engine, s.transport
	s.engine, s.transport = nil, nil
	s.mu.Unlock()

	if engine != nil && engine.State() == StateRaw {
		_ = engine.ExitRaw()
	}
	var err error
	if transport != nil {
		err = transport.Close()
	}
	s.transition(Disconnected, "disconnect", nil)
	return err
}

// Execute serializes and runs a code fragment, returning the device's
// stdout value or a classified error (SPEC_FULL.md §4.5).
func (s *Session) Execute(ctx context.Context, code string) (string, error) {
	res, err := s.execute(ctx, code)
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// ExecuteTyped calls Execute and converts the resulting text via Convert[T].
func ExecuteTyped[T any](ctx context.Context, s *Session, code string) (T, error) {
	var zero T
	text, err := s.Execute(ctx, code)
	if err != nil {
		return zero, err
	}
	return Convert[T](text)
}

func (s *Session) execute(ctx context.Context, code string) (Result, error) {
	return s.executeWithPolicy(ctx, code, s.cfg.validatorPolicy)
}

// executeWithPolicy is execute's real body, parameterized on the validation
// policy so trusted, internally-synthesized fragments (PutFile/GetFile's
// base64 file-transfer helpers) can run under internalTrustedPolicy
// regardless of the session's configured policy, instead of being rejected
// by whatever ProductionPolicy/DevelopmentPolicy the caller configured for
// user code.
func (s *Session) executeWithPolicy(ctx context.Context, code string, policy ValidationPolicy) (Result, error) {
	v := Validate(code, policy)
	if !v.OK {
		return Result{}, newSessionError("InputValidator", ErrValidation, map[string]string{
			"session_id": s.id,
			"reason":     v.Reason,
			"risk":       v.Risk.String(),
			"fragment":   code,
		})
	}

	if s.State() == Error {
		return Result{}, newSessionError("Session.Execute", ErrReconnectExhausted, map[string]string{
			"session_id": s.id,
			"fragment":   code,
		})
	}

	if s.State() == Disconnected {
		if err := s.Connect(); err != nil {
			return Result{}, err
		}
	}

	if err := s.acquirePermit(ctx); err != nil {
		return Result{}, err
	}
	defer s.releasePermit()

	prevState := s.State()
	s.transition(Executing, "execute", nil)

	wrapped := WrapBareExpression(code)

	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		s.transition(Error, "execute", ErrTransportFailed)
		return Result{}, newSessionError("Session.Execute", ErrTransportFailed, map[string]string{"session_id": s.id, "fragment": code})
	}

	body, err := s.runWithCancellation(ctx, engine, wrapped)
	if err != nil {
		if err == context.Canceled || ctx.Err() != nil {
			s.transition(prevState, "execute cancelled", nil)
			return Result{}, newSessionError("Session.Execute", ErrCancelled, map[string]string{"session_id": s.id, "fragment": code})
		}
		s.cfg.metrics.IncrementExecutionErrors()
		s.transition(Reconnecting, "transport failure", err)
		go s.recover()
		return Result{}, err
	}

	parsed := ParseFramed(body)
	s.cfg.metrics.IncrementExecutions()
	if parsed.Output != "" {
		s.emitOutput(OutputEvent{Text: parsed.Output, Timestamp: time.Now()})
	}
	if parsed.Stderr != "" {
		s.emitOutput(OutputEvent{Text: parsed.Stderr, IsError: true, Timestamp: time.Now()})
	}

	if parsed.Stderr != "" {
		classified := Classify(parsed.Stderr)
		s.transition(Connected, "execute", nil)
		return Result{
			Success:    false,
			Stdout:     parsed.Output,
			Stderr:     parsed.Stderr,
			ErrorKind:  classified.Kind,
			LineNumber: classified.LineNumber,
			Cause:      deviceSentinel(classified.Kind),
		}, newSessionError("Session.Execute", deviceSentinel(classified.Kind), map[string]string{
			"session_id":  s.id,
			"fragment":    code,
			"line_number": fmt.Sprintf("%d", classified.LineNumber),
		})
	}

	s.history.Append(code)
	s.transition(Connected, "execute", nil)
	return Result{Success: true, Stdout: parsed.Output, Value: parsed.Output, ErrorKind: ErrorNone, LineNumber: -1}, nil
}

// runWithCancellation races the engine execute against ctx, interrupting
// the device and returning the engine to Normal (best-effort) on
// cancellation — never leaking RawPaste.
func (s *Session) runWithCancellation(ctx context.Context, e *Engine, code string) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := e.Execute([]byte(code), s.cfg.executeTimeout)
		done <- result{body, err}
	}()

	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		_ = e.Interrupt()
		if e.State() == StateRaw {
			_ = e.ExitRaw()
		}
		return nil, ctx.Err()
	}
}

func (s *Session) acquirePermit(ctx context.Context) error {
	select {
	case <-s.permit:
		return nil
	case <-ctx.Done():
		return newSessionError("Session.Execute", ErrCancelled, map[string]string{"session_id": s.id})
	}
}

func (s *Session) releasePermit() {
	s.permit <- struct{}{}
}

// recover implements SPEC_FULL.md §4.5's reconnection loop: capped
// exponential backoff, re-open, and bounded history replay on success.
func (s *Session) recover() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	policy := s.cfg.reconnect
	if !policy.Enabled {
		s.transition(Error, "reconnect disabled", ErrReconnectExhausted)
		return
	}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		time.Sleep(policy.Delay(attempt))
		s.cfg.metrics.IncrementReconnectAttempts()

		s.mu.Lock()
		if s.transport != nil {
			s.transport.Close()
		}
		s.mu.Unlock()

		if err := s.Connect(); err != nil {
			s.cfg.logger.Warn("reconnect attempt failed", "session", s.id, "attempt", attempt, "error", err)
			continue
		}

		s.replayHistory()
		s.transition(Connected, "reconnected", nil)
		return
	}

	s.transition(Error, "reconnect exhausted", ErrReconnectExhausted)
}

// replayHistory re-executes every fragment in the history buffer, in
// order, after a successful reconnect. Individual failures are logged but
// do not abort the replay and must not themselves trigger reconnection.
func (s *Session) replayHistory() {
	for _, fragment := range s.history.Snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.executeTimeout)
		_, err := s.replayOne(ctx, fragment)
		cancel()
		if err != nil {
			s.cfg.logger.Warn("replay failed", "session", s.id, "fragment", truncate(fragment, 200), "error", err)
			continue
		}
		s.cfg.metrics.IncrementReplayedFragments()
	}
}

// replayOne runs a single fragment without re-entering the reconnect path:
// a transport failure here is reported, not escalated into another recover().
func (s *Session) replayOne(ctx context.Context, code string) (Result, error) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return Result{}, ErrTransportFailed
	}
	body, err := s.runWithCancellation(ctx, engine, WrapBareExpression(code))
	if err != nil {
		return Result{}, err
	}
	parsed := ParseFramed(body)
	if parsed.Stderr != "" {
		classified := Classify(parsed.Stderr)
		return Result{Success: false, ErrorKind: classified.Kind}, deviceSentinel(classified.Kind)
	}
	return Result{Success: true, Value: parsed.Output}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// PutFile writes data to a file at remote on the device, via the base64
// file-transfer helper sub-protocol (SPEC_FULL.md §6). The synthesized
// fragment is internally trusted (remote/data never reach the device as
// interpolated Python source beyond a %q-quoted literal), so it runs under
// internalTrustedPolicy rather than the session's configured policy —
// otherwise a default ProductionPolicy session (AllowFileOperations=false)
// would reject its own file-transfer helper's "open(" for every call.
func (s *Session) PutFile(ctx context.Context, remote string, data []byte) error {
	b64 := base64.StdEncoding.EncodeToString(data)
	frag := fmt.Sprintf(
		"import binascii\nf=open(%q,'wb')\nf.write(binascii.a2b_base64(%q))\nf.close()",
		remote, b64,
	)
	_, err := s.executeWithPolicy(ctx, frag, internalTrustedPolicy())
	return err
}

// GetFile reads remote's contents from the device, or raises ErrFileNotFound
// if the device reports the FILE_NOT_FOUND sentinel. See PutFile for why this
// runs under internalTrustedPolicy instead of the session's configured policy.
func (s *Session) GetFile(ctx context.Context, remote string) ([]byte, error) {
	frag := fmt.Sprintf(
		"import binascii\ntry:\n    f=open(%q,'rb')\n    print(binascii.b2a_base64(f.read()).decode().strip())\n    f.close()\nexcept OSError:\n    print('FILE_NOT_FOUND')",
		remote,
	)
	res, err := s.executeWithPolicy(ctx, frag, internalTrustedPolicy())
	if err != nil {
		return nil, err
	}
	out := res.Value
	if strings.TrimSpace(out) == "FILE_NOT_FOUND" {
		return nil, newSessionError("Session.GetFile", ErrFileNotFound, map[string]string{"session_id": s.id, "remote_path": remote})
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(out))
}
