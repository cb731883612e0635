package replhost

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// wireConnected bypasses Connect()'s handshake entirely and drops a
// fakeTransport straight into the Session's engine in state Raw, mirroring
// how the stateful component tests reach past the handshake's real-time
// sleeps to exercise Execute/recover logic directly.
func wireConnected(s *Session, ft *fakeTransport) {
	e := NewEngine(ft, s.cfg)
	e.state = StateRaw
	s.mu.Lock()
	s.transport, s.engine = ft, e
	s.mu.Unlock()
	s.state.Store(int32(Connected))
}

func TestSessionExecuteSuccess(t *testing.T) {
	s, err := NewSession("fake:unused", WithAckTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ft := &fakeTransport{}
	wireConnected(s, ft)

	ft.push([]byte("x"))            // raw-paste unsupported
	ft.push([]byte("OK2\x04\x04>")) // print(1+1) -> "2"

	got, err := s.Execute(context.Background(), "1+1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "2" {
		t.Errorf("Execute() = %q, want 2", got)
	}
	if s.State() != Connected {
		t.Errorf("State() = %v, want Connected", s.State())
	}
	if snap := s.history.Snapshot(); len(snap) != 1 || snap[0] != "1+1" {
		t.Errorf("history = %v, want [1+1]", snap)
	}
}

func TestSessionExecuteValidationRejected(t *testing.T) {
	s, err := NewSession("fake:unused")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	_, err = s.Execute(context.Background(), "os.system('rm -rf /')")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if s.State() != Disconnected {
		t.Errorf("validation failure must not touch connection state, got %v", s.State())
	}
}

func TestSessionExecuteDeviceRuntimeError(t *testing.T) {
	s, err := NewSession("fake:unused", WithAckTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ft := &fakeTransport{}
	wireConnected(s, ft)

	ft.push([]byte("x"))
	// Single trailing EOT before '>': a real device error response (the two
	// EOTs are adjacent only when the error region is empty, SPEC_FULL.md §8).
	ft.push([]byte("OK\x04Traceback (most recent call last):\n  File \"<stdin>\", line 3, in <module>\nZeroDivisionError: division by zero\x04>"))

	_, err = s.Execute(context.Background(), "1/0")
	if !errors.Is(err, ErrDeviceRuntime) {
		t.Fatalf("expected ErrDeviceRuntime, got %v", err)
	}
	if s.State() != Connected {
		t.Errorf("device-side error must leave the session Connected, got %v", s.State())
	}
	// A failed fragment is never appended to history.
	if s.history.Len() != 0 {
		t.Errorf("history should stay empty after a device error, got %d entries", s.history.Len())
	}
}

func TestSessionExecuteCancellation(t *testing.T) {
	s, err := NewSession("fake:unused", WithAckTimeout(500*time.Millisecond), WithInitTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ft := &fakeTransport{} // no responses queued: engine spins on the probe read
	wireConnected(s, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	_, err = s.Execute(ctx, "slow_call()")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if s.State() != Connected {
		t.Errorf("cancellation must restore the prior state, got %v", s.State())
	}
}

// fakeFactory backs the "faketest" connection-string scheme used by the
// full-stack Connect/Disconnect/recover tests. It hands out a fresh
// fakeTransport per call and, after a delay long enough to clear the
// handshake's hardcoded settle sleeps, pushes the raw-REPL banner so
// EnterRaw's poll finds it without the drain phases swallowing it first.
//
// failReconnectN fails that many dials *after* the first — the first call is
// always the session's initial Connect() and must succeed for the later
// recover() path to have anything to recover from.
type fakeFactory struct {
	failReconnectN int32
	calls          atomic.Int32
}

func (f *fakeFactory) NewTransport(ep *Endpoint, cfg *Config) (Transport, error) {
	n := f.calls.Add(1)
	if n > 1 && n <= 1+f.failReconnectN {
		return nil, errors.New("fake dial refused")
	}
	ft := &fakeTransport{}
	go func() {
		time.Sleep(700 * time.Millisecond)
		ft.push([]byte("raw REPL"))
	}()
	return ft, nil
}

func TestSessionConnectAndDisconnect(t *testing.T) {
	UnregisterFactory("faketest")
	RegisterFactory("faketest", &fakeFactory{})
	defer UnregisterFactory("faketest")

	s, err := NewSession("faketest:unused",
		WithAckTimeout(100*time.Millisecond),
		WithInitTimeout(2*time.Second),
		WithSettleDelay(0),
	)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != Connected {
		t.Fatalf("State() = %v, want Connected", s.State())
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if s.State() != Disconnected {
		t.Errorf("State() = %v, want Disconnected", s.State())
	}
}

func TestSessionExecuteInErrorStateSurfacesReconnectExhausted(t *testing.T) {
	s, err := NewSession("fake:unused")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.transition(Error, "simulated reconnect exhaustion", ErrReconnectExhausted)

	_, err = s.Execute(context.Background(), "1+1")
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if s.State() != Error {
		t.Errorf("a call in Error state must not itself attempt to reconnect, got %v", s.State())
	}
}

// TestPutFileGetFileBypassValidatorPolicy checks that the file-transfer
// helpers work under the default ProductionPolicy (AllowFileOperations =
// false), which would otherwise reject their own synthesized open( calls.
func TestPutFileGetFileBypassValidatorPolicy(t *testing.T) {
	s, err := NewSession("fake:unused", WithAckTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ft := &fakeTransport{}
	wireConnected(s, ft)

	ft.push([]byte("x"))
	ft.push([]byte("OK\x04\x04>"))
	if err := s.PutFile(context.Background(), "/data.bin", []byte("payload")); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if !bytes.Contains(ft.writes, []byte("open(")) {
		t.Error("expected PutFile's synthesized fragment to reach the transport")
	}

	ft.push([]byte("x"))
	ft.push([]byte("OKcGF5bG9hZA==\x04\x04>"))
	data, err := s.GetFile(context.Background(), "/data.bin")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("GetFile = %q, want %q", data, "payload")
	}
}

func TestSessionRecoverReconnectsAfterTransportFailure(t *testing.T) {
	UnregisterFactory("faketest2")
	factory := &fakeFactory{failReconnectN: 1}
	RegisterFactory("faketest2", factory)
	defer UnregisterFactory("faketest2")

	s, err := NewSession("faketest2:unused",
		WithAckTimeout(100*time.Millisecond),
		WithInitTimeout(2*time.Second),
		WithSettleDelay(0),
		WithReconnectPolicy(ReconnectPolicy{Enabled: true, MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Exponential: false}),
	)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("initial Connect: %v", err)
	}
	s.history.Append("1+1") // simulate prior successful execution to be replayed

	s.transition(Reconnecting, "simulated transport failure", ErrTransportFailed)
	go s.recover()

	deadlineAt := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadlineAt) {
		if s.State() == Connected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session never reached Connected after recover(), stuck at %v", s.State())
}
