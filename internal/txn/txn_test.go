package txn

import (
	"errors"
	"testing"
)

type recordingPublisher struct {
	creations []Notification
	updates   []Notification
	deletes   []Notification
}

func (p *recordingPublisher) NotifyCreation(tenantID, name string, objects any) {
	p.creations = append(p.creations, Notification{Kind: KindCreation, TenantID: tenantID, Name: name, Objects: objects})
}

func (p *recordingPublisher) NotifyUpdate(tenantID, name string, objects any) {
	p.updates = append(p.updates, Notification{Kind: KindUpdate, TenantID: tenantID, Name: name, Objects: objects})
}

func (p *recordingPublisher) NotifyDelete(tenantID, name string, objects any) {
	p.deletes = append(p.deletes, Notification{Kind: KindDelete, TenantID: tenantID, Name: name, Objects: objects})
}

func TestDefine_Reuse(t *testing.T) {
	if _, err := Define(Reuse, nil, Options{}, Impl{}, nil); !errors.Is(err, ErrParentNotProvided) {
		t.Fatalf("Reuse with nil parent: got err=%v, want ErrParentNotProvided", err)
	}

	root := newRoot(Options{Name: "root"}, Impl{}, nil)
	got, err := Define(Reuse, root, Options{}, Impl{}, nil)
	if err != nil {
		t.Fatalf("Reuse with parent: %v", err)
	}
	if got != root {
		t.Fatalf("Reuse must return the parent unchanged")
	}
}

func TestDefine_New(t *testing.T) {
	root := newRoot(Options{Name: "root"}, Impl{}, nil)
	if _, err := Define(New, root, Options{}, Impl{}, nil); !errors.Is(err, ErrParentMayNotBeProvided) {
		t.Fatalf("New with parent: got err=%v, want ErrParentMayNotBeProvided", err)
	}

	got, err := Define(New, nil, Options{Name: "fresh"}, Impl{}, nil)
	if err != nil {
		t.Fatalf("New with nil parent: %v", err)
	}
	if got.Level() != 0 || got.Name() != "fresh" {
		t.Fatalf("New must create a root: level=%d name=%q", got.Level(), got.Name())
	}
}

func TestDefine_ReuseOrNew(t *testing.T) {
	root := newRoot(Options{Name: "root"}, Impl{}, nil)
	got, err := Define(ReuseOrNew, root, Options{}, Impl{}, nil)
	if err != nil || got != root {
		t.Fatalf("ReuseOrNew with parent must return it unchanged: got=%v err=%v", got, err)
	}

	got, err = Define(ReuseOrNew, nil, Options{Name: "fresh"}, Impl{}, nil)
	if err != nil {
		t.Fatalf("ReuseOrNew with nil parent: %v", err)
	}
	if got.Level() != 0 {
		t.Fatalf("ReuseOrNew with nil parent must create a root")
	}
}

func TestDefine_UnknownRequirement(t *testing.T) {
	if _, err := Define(Requirement(99), nil, Options{}, Impl{}, nil); !errors.Is(err, ErrRequirementUnknown) {
		t.Fatalf("got err=%v, want ErrRequirementUnknown", err)
	}
}

func TestExecute_CommitDispatchesNotificationsAtRoot(t *testing.T) {
	pub := &recordingPublisher{}
	tx := newRoot(Options{Name: "root"}, Impl{}, pub)

	err := tx.Execute(func(tx *Transaction) error {
		tx.NotifyCreation("tenant-1", "widget", 42)
		tx.NotifyUpdate("tenant-1", "widget", 43)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tx.Status() != StatusCommitted {
		t.Fatalf("status = %s, want committed", tx.Status())
	}
	if len(pub.creations) != 1 || pub.creations[0].Name != "widget" {
		t.Fatalf("creations = %+v", pub.creations)
	}
	if len(pub.updates) != 1 {
		t.Fatalf("updates = %+v", pub.updates)
	}
}

func TestExecute_FnErrorRollsBack(t *testing.T) {
	pub := &recordingPublisher{}
	tx := newRoot(Options{Name: "root"}, Impl{}, pub)
	cause := errors.New("boom")

	var rolledBackWith error
	tx.options.OnRollback = func(err error) { rolledBackWith = err }

	err := tx.Execute(func(tx *Transaction) error {
		tx.NotifyCreation("tenant-1", "widget", nil)
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("Execute error = %v, want %v", err, cause)
	}
	if tx.Status() != StatusRolledback {
		t.Fatalf("status = %s, want rolledback", tx.Status())
	}
	if !errors.Is(rolledBackWith, cause) {
		t.Fatalf("OnRollback cause = %v, want %v", rolledBackWith, cause)
	}
	if len(pub.creations) != 0 {
		t.Fatalf("a rolled-back transaction must not dispatch notifications, got %+v", pub.creations)
	}
}

func TestExecute_ProcessBeginRejectsWithoutRollback(t *testing.T) {
	beginErr := errors.New("begin failed")
	rollbackCalled := false
	tx := newRoot(Options{}, Impl{
		ProcessBegin:    func() error { return beginErr },
		ProcessRollback: func(error) error { rollbackCalled = true; return nil },
	}, nil)

	err := tx.Execute(func(tx *Transaction) error { return nil })
	if !errors.Is(err, beginErr) {
		t.Fatalf("Execute error = %v, want %v", err, beginErr)
	}
	if rollbackCalled {
		t.Fatalf("ProcessBegin rejection must not invoke ProcessRollback")
	}
}

func TestStartInner_InheritsPublisherAndLevel(t *testing.T) {
	pub := &recordingPublisher{}
	root := newRoot(Options{Name: "root"}, Impl{}, pub)
	child := root.StartInner(Options{Name: "child"}, Impl{})

	if child.Level() != 1 {
		t.Fatalf("child level = %d, want 1", child.Level())
	}
	if child.publisher != pub {
		t.Fatalf("child must inherit the root's publisher")
	}
}

func TestExecute_NestedCommitBuffersUntilRootCommits(t *testing.T) {
	pub := &recordingPublisher{}
	root := newRoot(Options{Name: "root"}, Impl{}, pub)
	child := root.StartInner(Options{Name: "child"}, Impl{})

	err := child.Execute(func(tx *Transaction) error {
		tx.NotifyCreation("tenant-1", "widget", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("child Execute: %v", err)
	}
	if len(pub.creations) != 0 {
		t.Fatalf("child commit must not dispatch directly, got %+v", pub.creations)
	}

	err = root.Execute(func(tx *Transaction) error { return nil })
	if err != nil {
		t.Fatalf("root Execute: %v", err)
	}
	if len(pub.creations) != 1 {
		t.Fatalf("root commit must dispatch the child's buffered notifications, got %+v", pub.creations)
	}
}

func TestExecute_UnawaitedChildBlocksCommit(t *testing.T) {
	root := newRoot(Options{Name: "root"}, Impl{}, nil)
	_ = root.StartInner(Options{Name: "child"}, Impl{})

	err := root.Execute(func(tx *Transaction) error { return nil })
	if !errors.Is(err, ErrInnerNotAwaited) {
		t.Fatalf("got err=%v, want ErrInnerNotAwaited", err)
	}
	if root.Status() != StatusRolledback {
		t.Fatalf("status = %s, want rolledback", root.Status())
	}
}

func TestExecute_RolledBackChildBlocksCommit(t *testing.T) {
	root := newRoot(Options{Name: "root"}, Impl{}, nil)
	child := root.StartInner(Options{Name: "child"}, Impl{})
	_ = child.Execute(func(tx *Transaction) error { return errors.New("child failed") })

	err := root.Execute(func(tx *Transaction) error { return nil })
	if !errors.Is(err, ErrInnerRolledBack) {
		t.Fatalf("got err=%v, want ErrInnerRolledBack", err)
	}
}

func TestExecute_OnCommitOrderingChildrenBeforeParent(t *testing.T) {
	var order []string
	root := newRoot(Options{Name: "root", OnCommit: func() { order = append(order, "root") }}, Impl{}, nil)
	child := root.StartInner(Options{Name: "child", OnCommit: func() { order = append(order, "child") }}, Impl{})

	if err := child.Execute(func(tx *Transaction) error { return nil }); err != nil {
		t.Fatalf("child Execute: %v", err)
	}
	if err := root.Execute(func(tx *Transaction) error { return nil }); err != nil {
		t.Fatalf("root Execute: %v", err)
	}

	if len(order) != 2 || order[0] != "child" || order[1] != "root" {
		t.Fatalf("commit order = %v, want [child root]", order)
	}
}
