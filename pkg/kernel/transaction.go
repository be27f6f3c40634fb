package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphtx/pkg/locking"
	"github.com/orneryd/graphtx/pkg/txstate"
)

// TransactionKind distinguishes user-driven transactions from the implicit
// ones the kernel opens internally, for example to commit a constraint's
// backing index ahead of the constraint itself.
type TransactionKind int

const (
	Explicit TransactionKind = iota
	Implicit
)

func (k TransactionKind) String() string {
	if k == Implicit {
		return "implicit"
	}
	return "explicit"
}

type txStatus int

const (
	statusOpen txStatus = iota
	statusTerminated
	statusCommitted
	statusRolledBack
)

// Transaction is a handle on one unit of work. All pending changes live in
// its State; nothing touches the store until Commit. Every lock the
// transaction acquires is released when it closes, on every path.
type Transaction struct {
	id    string
	kind  TransactionKind
	locks LockClient
	log   *logrus.Entry

	mu      sync.Mutex
	status  txStatus
	reason  string
	state   *txstate.State
	commits Committer
}

// ID returns the transaction's unique identifier.
func (t *Transaction) ID() string { return t.id }

// Kind reports whether the transaction is explicit or implicit.
func (t *Transaction) Kind() TransactionKind { return t.kind }

// State exposes the pending diff. Callers must hold the transaction open.
func (t *Transaction) State() *txstate.State { return t.state }

// Locks exposes the transaction's lock client.
func (t *Transaction) Locks() LockClient { return t.locks }

// AssertOpen returns an error if the transaction can no longer accept work.
// A terminated transaction reports the termination reason; a committed or
// rolled-back one reports ErrTransactionClosed.
func (t *Transaction) AssertOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case statusOpen:
		return nil
	case statusTerminated:
		return &TransactionTerminatedError{Reason: t.reason}
	default:
		return ErrTransactionClosed
	}
}

// MarkTerminated flags the transaction for termination. Subsequent
// operations fail with TransactionTerminatedError; only Rollback succeeds.
// Marking an already-closed transaction is a no-op.
func (t *Transaction) MarkTerminated(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != statusOpen {
		return
	}
	t.status = statusTerminated
	t.reason = reason
	t.log.WithField("reason", reason).Debug("transaction marked for termination")
}

// Commit applies the pending diff to the store and closes the transaction.
// Locks are released whether or not the apply succeeds; a failed apply
// leaves the store untouched and the transaction rolled back.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.status != statusOpen {
		status := t.status
		reason := t.reason
		t.mu.Unlock()
		if status == statusTerminated {
			return fmt.Errorf("cannot commit: %w", &TransactionTerminatedError{Reason: reason})
		}
		return ErrTransactionClosed
	}
	st := t.state
	t.mu.Unlock()

	var err error
	if st.HasChanges() {
		err = t.commits.ApplyTransaction(ctx, st)
	}

	t.mu.Lock()
	if err != nil {
		t.status = statusRolledBack
	} else {
		t.status = statusCommitted
	}
	t.mu.Unlock()
	t.locks.ReleaseAll()

	if err != nil {
		t.log.WithError(err).Warn("transaction apply failed, rolled back")
		return fmt.Errorf("commit: %w", err)
	}
	t.log.Debug("transaction committed")
	return nil
}

// Rollback discards the pending diff and closes the transaction. It is the
// only operation allowed on a terminated transaction and is a no-op on an
// already-closed one.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	if t.status == statusCommitted || t.status == statusRolledBack {
		t.mu.Unlock()
		return
	}
	t.status = statusRolledBack
	t.mu.Unlock()
	t.locks.ReleaseAll()
	t.log.Debug("transaction rolled back")
}

// Kernel wires the storage, locking, and constraint layers together and
// hands out transactions.
type Kernel struct {
	store      Store
	locks      *locking.Manager
	semantics  ConstraintSemantics
	popTimeout time.Duration
	wrapLocks  func(LockClient) LockClient
	log        *logrus.Entry
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger replaces the kernel's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(k *Kernel) { k.log = log }
}

// WithConstraintSemantics replaces the validation rules applied when
// constraints are created over existing data.
func WithConstraintSemantics(s ConstraintSemantics) Option {
	return func(k *Kernel) { k.semantics = s }
}

// WithPopulationTimeout bounds how long constraint creation waits for its
// backing index to populate. Zero waits indefinitely.
func WithPopulationTimeout(d time.Duration) Option {
	return func(k *Kernel) { k.popTimeout = d }
}

// WithLockClientWrapper interposes on every transaction's lock client, for
// lock tracing and diagnostics.
func WithLockClientWrapper(wrap func(LockClient) LockClient) Option {
	return func(k *Kernel) { k.wrapLocks = wrap }
}

// New creates a kernel over the given store and lock manager.
func New(store Store, locks *locking.Manager, opts ...Option) *Kernel {
	k := &Kernel{
		store:     store,
		locks:     locks,
		semantics: StandardConstraintSemantics{},
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Begin opens an explicit transaction and returns its operations facade.
func (k *Kernel) Begin(ctx context.Context) (*Operations, error) {
	return k.begin(ctx, Explicit)
}

func (k *Kernel) begin(_ context.Context, kind TransactionKind) (*Operations, error) {
	id := uuid.New().String()
	var locks LockClient = k.locks.NewClient()
	if k.wrapLocks != nil {
		locks = k.wrapLocks(locks)
	}
	tx := &Transaction{
		id:      id,
		kind:    kind,
		locks:   locks,
		state:   txstate.New(),
		commits: k.store,
		log:     k.log.WithFields(logrus.Fields{"tx": id, "kind": kind.String()}),
	}
	tx.log.Debug("transaction started")
	return newOperations(k, tx), nil
}

// beginImplicit opens the nested lock-free transactions used while building
// constraint indexes.
func (k *Kernel) beginImplicit(ctx context.Context) (*Operations, error) {
	return k.begin(ctx, Implicit)
}
