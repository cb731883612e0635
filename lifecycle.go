package replhost

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// OperationKind is one of the four lifecycle declaration kinds (SPEC_FULL.md §3).
type OperationKind int

const (
	KindSetup OperationKind = iota
	KindTask
	KindThread
	KindTeardown
)

// Operation is a single declared lifecycle step.
type Operation struct {
	Kind             OperationKind
	Order            int
	DeclarationIndex int
	Timeout          time.Duration // zero means "use the Orchestrator default"
	Critical         bool
	IgnoreErrors     bool
	Exclusive        bool   // Task only: hold the permit without yielding for the call's duration
	Code             string // Setup/Task: the fragment to run. Thread: the fragment that starts the background thread.
	StopCode         string // Thread only: the fragment that cooperatively requests a stop.
	Name             string // logical name, used to address a spawned Thread later
}

// ThreadHandle records a spawned device-side thread's logical name. The
// host does not manage the device thread's lifecycle beyond requesting a
// cooperative stop (SPEC_FULL.md §4.6 "Thread spawn").
type ThreadHandle struct {
	Name     string
	stopCode string
}

// LifecycleCoordinator translates an externally supplied declaration into
// an ordered schedule of Session.Execute calls.
type LifecycleCoordinator struct {
	session *Session
	ops     []Operation
	threads map[string]ThreadHandle
}

// NewLifecycleCoordinator builds a coordinator over ops for the given session.
func NewLifecycleCoordinator(session *Session, ops []Operation) *LifecycleCoordinator {
	return &LifecycleCoordinator{session: session, ops: ops, threads: make(map[string]ThreadHandle)}
}

func orderedIndex(ops []Operation, kind OperationKind, reverse bool) []Operation {
	var filtered []Operation
	for _, op := range ops {
		if op.Kind == kind {
			filtered = append(filtered, op)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Order != filtered[j].Order {
			return filtered[i].Order < filtered[j].Order
		}
		return filtered[i].DeclarationIndex < filtered[j].DeclarationIndex
	})
	if reverse {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	return filtered
}

func (c *LifecycleCoordinator) opTimeout(op Operation) time.Duration {
	if op.Timeout > 0 {
		return op.Timeout
	}
	return c.session.cfg.executeTimeout
}

// RunSetup runs all Setup operations in (order asc, declaration_index asc).
// A critical failure aborts remaining setup and is returned; non-critical
// failures are logged and skipped.
func (c *LifecycleCoordinator) RunSetup(ctx context.Context) error {
	for _, op := range orderedIndex(c.ops, KindSetup, false) {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout(op))
		_, err := c.session.Execute(opCtx, op.Code)
		cancel()
		if err != nil {
			if op.Critical {
				return fmt.Errorf("setup operation %q failed: %w", op.Name, err)
			}
			c.session.cfg.logger.Warn("non-critical setup operation failed", "name", op.Name, "error", err)
		}
	}
	return nil
}

// InvokeTask runs a named Task operation on demand. Exclusive tasks use the
// same Execute permit semantics as any other call — there is no nested
// execute, by invariant.
func (c *LifecycleCoordinator) InvokeTask(ctx context.Context, name string) (string, error) {
	for _, op := range orderedIndex(c.ops, KindTask, false) {
		if op.Name != name {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout(op))
		defer cancel()
		return c.session.Execute(opCtx, op.Code)
	}
	return "", fmt.Errorf("replhost: no task operation named %q", name)
}

// SpawnThread submits a Thread operation's startup fragment and records its
// logical name.
func (c *LifecycleCoordinator) SpawnThread(ctx context.Context, name string) error {
	for _, op := range orderedIndex(c.ops, KindThread, false) {
		if op.Name != name {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout(op))
		defer cancel()
		if _, err := c.session.Execute(opCtx, op.Code); err != nil {
			return err
		}
		c.threads[name] = ThreadHandle{Name: name, stopCode: op.StopCode}
		return nil
	}
	return fmt.Errorf("replhost: no thread operation named %q", name)
}

// StopThread cooperatively requests a spawned thread stop by executing its
// declared stop fragment.
func (c *LifecycleCoordinator) StopThread(ctx context.Context, name string) error {
	handle, ok := c.threads[name]
	if !ok {
		return fmt.Errorf("replhost: no spawned thread named %q", name)
	}
	if handle.stopCode == "" {
		delete(c.threads, name)
		return nil
	}
	_, err := c.session.Execute(ctx, handle.stopCode)
	delete(c.threads, name)
	return err
}

// RunTeardown runs Teardown operations in reverse-declaration order within
// an order bucket, buckets in descending order. Errors honor IgnoreErrors.
// When the session is in Error, non-critical operations are skipped and
// critical ones are still passed to Execute, which rejects them with
// ErrReconnectExhausted without reaching the device. The first critical
// error is returned after every remaining operation has been tried.
func (c *LifecycleCoordinator) RunTeardown(ctx context.Context) error {
	ops := orderedIndex(c.ops, KindTeardown, true)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Order > ops[j].Order })

	var firstCritical error
	for _, op := range ops {
		if c.session.State() == Error && !op.Critical {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout(op))
		_, err := c.session.Execute(opCtx, op.Code)
		cancel()
		if err != nil && !op.IgnoreErrors {
			c.session.cfg.logger.Warn("teardown operation failed", "name", op.Name, "error", err)
			if op.Critical && firstCritical == nil {
				firstCritical = fmt.Errorf("teardown operation %q failed: %w", op.Name, err)
			}
		}
	}
	return firstCritical
}
