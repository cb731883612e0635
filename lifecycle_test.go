package replhost

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newLifecycleSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	s, err := NewSession("fake:unused", WithAckTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ft := &fakeTransport{}
	wireConnected(s, ft)
	return s, ft
}

// pushOK queues a successful plain-raw round trip (raw-paste declined, empty output).
func pushOK(ft *fakeTransport) {
	ft.push([]byte("x"))
	ft.push([]byte("OK\x04\x04>"))
}

// pushRuntimeError queues a plain-raw round trip that fails with a device
// NameError. A single trailing EOT before '>': the two EOTs of the framing
// grammar are adjacent only when the error region is empty (SPEC_FULL.md §8).
func pushRuntimeError(ft *fakeTransport) {
	ft.push([]byte("x"))
	ft.push([]byte("OK\x04Traceback (most recent call last):\n  File \"<stdin>\", line 1, in <module>\nNameError: name 'x' is not defined\x04>"))
}

func writeOrder(writes []byte, markers ...string) []int {
	idx := make([]int, len(markers))
	for i, m := range markers {
		idx[i] = bytes.Index(writes, []byte(m))
	}
	return idx
}

func TestLifecycleSetupOrdering(t *testing.T) {
	s, ft := newLifecycleSession(t)
	ops := []Operation{
		{Kind: KindSetup, Order: 1, DeclarationIndex: 0, Name: "A", Code: "MARK_A"},
		{Kind: KindSetup, Order: 0, DeclarationIndex: 1, Name: "B", Code: "MARK_B"},
		{Kind: KindSetup, Order: 0, DeclarationIndex: 0, Name: "C", Code: "MARK_C"},
	}
	lc := NewLifecycleCoordinator(s, ops)
	pushOK(ft)
	pushOK(ft)
	pushOK(ft)

	if err := lc.RunSetup(context.Background()); err != nil {
		t.Fatalf("RunSetup: %v", err)
	}

	idx := writeOrder(ft.writes, "MARK_C", "MARK_B", "MARK_A")
	if !(idx[0] < idx[1] && idx[1] < idx[2]) {
		t.Errorf("expected order C, B, A; got positions %v in %q", idx, ft.writes)
	}
}

func TestLifecycleSetupCriticalAbortsRemaining(t *testing.T) {
	s, ft := newLifecycleSession(t)
	ops := []Operation{
		{Kind: KindSetup, Order: 0, DeclarationIndex: 0, Name: "first", Critical: true, Code: "MARK_FIRST"},
		{Kind: KindSetup, Order: 1, DeclarationIndex: 0, Name: "second", Code: "MARK_SECOND"},
	}
	lc := NewLifecycleCoordinator(s, ops)
	pushRuntimeError(ft)

	err := lc.RunSetup(context.Background())
	if err == nil {
		t.Fatal("expected a critical setup failure to be returned")
	}
	if bytes.Contains(ft.writes, []byte("MARK_SECOND")) {
		t.Error("setup must abort remaining operations after a critical failure")
	}
}

func TestLifecycleSetupNonCriticalContinues(t *testing.T) {
	s, ft := newLifecycleSession(t)
	ops := []Operation{
		{Kind: KindSetup, Order: 0, DeclarationIndex: 0, Name: "first", Code: "MARK_FIRST"},
		{Kind: KindSetup, Order: 1, DeclarationIndex: 0, Name: "second", Code: "MARK_SECOND"},
	}
	lc := NewLifecycleCoordinator(s, ops)
	pushRuntimeError(ft)
	pushOK(ft)

	if err := lc.RunSetup(context.Background()); err != nil {
		t.Fatalf("non-critical failure must not abort the run, got %v", err)
	}
	if !bytes.Contains(ft.writes, []byte("MARK_SECOND")) {
		t.Error("expected the second (non-critical-preceded) operation to still run")
	}
}

func TestLifecycleTeardownReverseOrder(t *testing.T) {
	s, ft := newLifecycleSession(t)
	ops := []Operation{
		{Kind: KindTeardown, Order: 0, DeclarationIndex: 0, Name: "A", Code: "MARK_A"},
		{Kind: KindTeardown, Order: 0, DeclarationIndex: 1, Name: "B", Code: "MARK_B"},
		{Kind: KindTeardown, Order: 1, DeclarationIndex: 0, Name: "C", Code: "MARK_C"},
	}
	lc := NewLifecycleCoordinator(s, ops)
	pushOK(ft)
	pushOK(ft)
	pushOK(ft)

	if err := lc.RunTeardown(context.Background()); err != nil {
		t.Fatalf("RunTeardown: %v", err)
	}

	// Reverse of (order asc, decl_index asc) is (order desc, decl_index desc): C, B, A.
	idx := writeOrder(ft.writes, "MARK_C", "MARK_B", "MARK_A")
	if !(idx[0] < idx[1] && idx[1] < idx[2]) {
		t.Errorf("expected teardown order C, B, A; got positions %v in %q", idx, ft.writes)
	}
}

func TestLifecycleTeardownCriticalFailureContinuesAndReports(t *testing.T) {
	s, ft := newLifecycleSession(t)
	ops := []Operation{
		{Kind: KindTeardown, Order: 1, DeclarationIndex: 0, Name: "closeFile", Critical: true, Code: "MARK_CLOSE"},
		{Kind: KindTeardown, Order: 0, DeclarationIndex: 0, Name: "cleanup", Code: "MARK_CLEANUP"},
	}
	lc := NewLifecycleCoordinator(s, ops)
	// Reverse order runs "closeFile" (order 1) first.
	pushRuntimeError(ft)
	pushOK(ft)

	err := lc.RunTeardown(context.Background())
	if err == nil {
		t.Fatal("expected the critical teardown failure to be reported")
	}
	if !errors.Is(err, ErrDeviceRuntime) {
		t.Errorf("expected wrapped ErrDeviceRuntime, got %v", err)
	}
	if !bytes.Contains(ft.writes, []byte("MARK_CLEANUP")) {
		t.Error("teardown must attempt every operation even after a critical failure")
	}
}

func TestLifecycleInvokeTaskUnknownName(t *testing.T) {
	s, ft := newLifecycleSession(t)
	lc := NewLifecycleCoordinator(s, nil)
	_, err := lc.InvokeTask(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected an error for an undeclared task name")
	}
	if len(ft.writes) != 0 {
		t.Error("an unknown task name must never reach the transport")
	}
}

func TestLifecycleThreadSpawnAndStop(t *testing.T) {
	s, ft := newLifecycleSession(t)
	ops := []Operation{
		{Kind: KindThread, Name: "blinker", Code: "MARK_SPAWN", StopCode: "MARK_STOP"},
	}
	lc := NewLifecycleCoordinator(s, ops)
	pushOK(ft) // spawn
	pushOK(ft) // stop

	if err := lc.SpawnThread(context.Background(), "blinker"); err != nil {
		t.Fatalf("SpawnThread: %v", err)
	}
	if err := lc.StopThread(context.Background(), "blinker"); err != nil {
		t.Fatalf("StopThread: %v", err)
	}
	if !bytes.Contains(ft.writes, []byte("MARK_SPAWN")) || !bytes.Contains(ft.writes, []byte("MARK_STOP")) {
		t.Error("expected both the spawn and stop fragments to reach the transport")
	}
	if err := lc.StopThread(context.Background(), "blinker"); err == nil {
		t.Error("expected an error stopping a thread that was already stopped")
	}
}
