// Package txn implements the nested Transaction Manager (spec §4.I): scopes
// that wrap handler execution, buffering change notifications until outer
// commit, with parent/child ordering rules.
//
// No teacher file implements nested transactions; grounded structurally on
// the teacher's pgx.Tx usage (cmd/internal/auth/session/store_postgres_tx.go,
// service.go — acquire, defer rollback, commit on success, propagate first
// error) for the Go idiom, generalized to an in-memory tree of transaction
// nodes since the spec's Transaction Manager is an application-level
// buffering construct, not a literal database transaction.
package txn

import (
	"errors"
	"sync"
)

// Requirement selects how defineTransaction relates to a possible parent.
type Requirement int

const (
	// Reuse requires a live parent; it is returned as-is.
	Reuse Requirement = iota
	// New forbids a parent; a fresh root transaction is created.
	New
	// ReuseOrNew uses the parent if one was given, else creates a root.
	ReuseOrNew
)

// Status is a Transaction Node's lifecycle state.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCommitted  Status = "committed"
	StatusRolledback Status = "rolledback"
)

// Error kinds, spec §7 "Transaction" taxonomy. Go's static typing makes
// TRANSACTION_EXECUTION_NOT_RETURNING_A_PROMISE structurally unreachable
// (Execute's fn parameter is typed func(*Transaction) error, so it always
// "returns a promise"); the sentinel is kept only so the taxonomy's error
// kinds have a 1:1 Go counterpart.
var (
	ErrExecutionNotReturningPromise = errors.New("TRANSACTION_EXECUTION_NOT_RETURNING_A_PROMISE")
	ErrInnerNotAwaited              = errors.New("INNER_TRANSACTION_NOT_AWAITED")
	ErrInnerRolledBack              = errors.New("INNER_TRANSACTION_ROLLED_BACK")
	ErrParentNotProvided            = errors.New("PARENT_TRANSACTION_NOT_PROVIDED")
	ErrParentMayNotBeProvided       = errors.New("PARENT_TRANSACTION_MAY_NOT_BE_PROVIDED")
	ErrRequirementUnknown           = errors.New("TRANSACTION_REQUIREMENT_UNKNOWN")
)

// Kind distinguishes the three notification operations a handler may buffer.
type Kind string

const (
	KindCreation Kind = "creation"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
)

// Notification is a single buffered change, matching notifyCreation/Update/
// Delete(tenantId?, name, objects) (spec §4.I).
type Notification struct {
	Kind     Kind
	TenantID string
	Name     string
	Objects  any
}

// Publisher is the application-provided dispatch hook invoked only at the
// outermost transaction's commit (spec §4.I, I8).
type Publisher interface {
	NotifyCreation(tenantID, name string, objects any)
	NotifyUpdate(tenantID, name string, objects any)
	NotifyDelete(tenantID, name string, objects any)
}

// Impl is the six-function implementation hook contract (spec §4.I); any
// field may be nil (a no-op).
type Impl struct {
	ProcessBegin          func() error
	ProcessCommit         func(self *Transaction) error
	ProcessRollback       func(err error) error
	ProcessInnerBegin     func() error
	ProcessInnerCommit    func() error
	ProcessInnerRollback  func() error
}

// Options carries the transaction's name and optional completion callbacks.
type Options struct {
	Name       string
	OnCommit   func()
	OnRollback func(err error)
}

// Transaction is a Transaction Node (spec §3).
type Transaction struct {
	mu sync.Mutex

	level    int
	name     string
	status   Status
	parent   *Transaction
	children []*Transaction

	notifications    []Notification
	innerCommitStack []func()

	impl      Impl
	options   Options
	publisher Publisher
}

// Define implements defineTransaction(requirement, parent, options) (spec
// §4.I). impl and publisher are attached only when a new root is created;
// Reuse and a satisfied ReuseOrNew simply return the existing parent.
func Define(requirement Requirement, parent *Transaction, opts Options, impl Impl, publisher Publisher) (*Transaction, error) {
	switch requirement {
	case Reuse:
		if parent == nil {
			return nil, ErrParentNotProvided
		}
		return parent, nil
	case New:
		if parent != nil {
			return nil, ErrParentMayNotBeProvided
		}
		return newRoot(opts, impl, publisher), nil
	case ReuseOrNew:
		if parent != nil {
			return parent, nil
		}
		return newRoot(opts, impl, publisher), nil
	default:
		return nil, ErrRequirementUnknown
	}
}

func newRoot(opts Options, impl Impl, publisher Publisher) *Transaction {
	return &Transaction{
		level:     0,
		name:      opts.Name,
		status:    StatusRunning,
		impl:      impl,
		options:   opts,
		publisher: publisher,
	}
}

// StartInner creates and registers a child transaction of t, inheriting t's
// publisher. Used for explicit nesting (e.g. tx.StartInner(...).Execute(...)).
func (t *Transaction) StartInner(opts Options, impl Impl) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	child := &Transaction{
		level:     t.level + 1,
		name:      opts.Name,
		status:    StatusRunning,
		parent:    t,
		impl:      impl,
		options:   opts,
		publisher: t.publisher,
	}
	t.children = append(t.children, child)
	return child
}

// Status returns the current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Level returns the node's depth (0 for a root).
func (t *Transaction) Level() int { return t.level }

// Name returns the transaction's name.
func (t *Transaction) Name() string { return t.name }

// NotifyCreation buffers a creation notification (spec §4.I).
func (t *Transaction) NotifyCreation(tenantID, name string, objects any) {
	t.appendNotification(Notification{Kind: KindCreation, TenantID: tenantID, Name: name, Objects: objects})
}

// NotifyUpdate buffers an update notification.
func (t *Transaction) NotifyUpdate(tenantID, name string, objects any) {
	t.appendNotification(Notification{Kind: KindUpdate, TenantID: tenantID, Name: name, Objects: objects})
}

// NotifyDelete buffers a delete notification.
func (t *Transaction) NotifyDelete(tenantID, name string, objects any) {
	t.appendNotification(Notification{Kind: KindDelete, TenantID: tenantID, Name: name, Objects: objects})
}

func (t *Transaction) appendNotification(n Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifications = append(t.notifications, n)
}

// Execute runs the execution contract (spec §4.I):
//  1. impl.ProcessBegin(); a returned error rejects immediately.
//  2. fn(t).
//  3. on success, commit checks (running/rolledback children, stale parent).
//  4. impl.ProcessCommit, mark committed, sequence onCommit handlers and
//     notifications up to the parent (or dispatch them, at root).
//  5. on any failure, impl.ProcessRollback, fire OnRollback, mark rolledback.
func (t *Transaction) Execute(fn func(tx *Transaction) error) error {
	if t.impl.ProcessBegin != nil {
		if err := t.impl.ProcessBegin(); err != nil {
			return err // rejects immediately, no rollback call (step 1)
		}
	}

	if err := fn(t); err != nil {
		return t.rollback(err)
	}

	if err := t.checkCommitPreconditions(); err != nil {
		return t.rollback(err)
	}

	if t.impl.ProcessCommit != nil {
		if err := t.impl.ProcessCommit(t); err != nil {
			return t.rollback(err)
		}
	}

	return t.commit()
}

func (t *Transaction) checkCommitPreconditions() error {
	t.mu.Lock()
	children := append([]*Transaction(nil), t.children...)
	parent := t.parent
	t.mu.Unlock()

	for _, c := range children {
		if c.Status() == StatusRunning {
			return ErrInnerNotAwaited
		}
	}
	if parent != nil && parent.Status() != StatusRunning {
		return ErrInnerNotAwaited
	}
	for _, c := range children {
		if c.Status() == StatusRolledback {
			return ErrInnerRolledBack
		}
	}
	return nil
}

func (t *Transaction) commit() error {
	t.mu.Lock()
	t.status = StatusCommitted

	stack := append([]func(){}, t.innerCommitStack...)
	if t.options.OnCommit != nil {
		stack = append(stack, t.options.OnCommit) // descendants precede the root's own (O2)
	}
	notifications := append([]Notification(nil), t.notifications...)
	parent := t.parent
	publisher := t.publisher
	t.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.innerCommitStack = append(parent.innerCommitStack, stack...)
		parent.notifications = append(parent.notifications, notifications...)
		parent.mu.Unlock()
		return nil
	}

	// Root commit: drain the accumulated onCommit stack in order, then
	// dispatch the buffered notification set to the application (I7, I8).
	for _, cb := range stack {
		cb()
	}
	if publisher != nil {
		dispatch(publisher, notifications)
	}
	return nil
}

func dispatch(p Publisher, notifications []Notification) {
	for _, n := range notifications {
		switch n.Kind {
		case KindCreation:
			p.NotifyCreation(n.TenantID, n.Name, n.Objects)
		case KindUpdate:
			p.NotifyUpdate(n.TenantID, n.Name, n.Objects)
		case KindDelete:
			p.NotifyDelete(n.TenantID, n.Name, n.Objects)
		}
	}
}

func (t *Transaction) rollback(cause error) error {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return cause
	}
	t.status = StatusRolledback
	onRollback := t.options.OnRollback
	impl := t.impl.ProcessRollback
	t.mu.Unlock()

	if impl != nil {
		_ = impl(cause) // rollback failures do not change the propagated cause
	}
	if onRollback != nil {
		onRollback(cause)
	}
	return cause
}
