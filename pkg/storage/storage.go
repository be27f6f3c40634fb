// Package storage provides the BadgerDB-backed store, schema registry, and
// index machinery behind the transaction kernel.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Common storage errors
// ============================================================================

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned when the engine has been closed.
	ErrClosed = errors.New("storage engine is closed")
)

const sequenceBandwidth = 64

// Engine is the storage engine. One Engine serves one database directory
// (or one in-memory instance); it is safe for concurrent use.
type Engine struct {
	db  *badger.DB
	log *logrus.Entry

	nodeSeq *badger.Sequence
	relSeq  *badger.Sequence
	ruleSeq *badger.Sequence

	mu      sync.Mutex
	proxies map[uint64]*indexProxy
	closed  bool
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	log      *logrus.Entry
	inMemory bool
}

// WithLogger replaces the engine's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *engineConfig) { c.log = log }
}

// Open opens (or creates) a database at the given directory.
func Open(dir string, opts ...Option) (*Engine, error) {
	cfg := engineConfig{log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(&cfg)
	}
	badgerOpts := badger.DefaultOptions(dir).WithLogger(nil)
	return open(badgerOpts, cfg)
}

// OpenInMemory opens an ephemeral engine backed by memory only. Used by
// tests and by tooling that needs a scratch database.
func OpenInMemory(opts ...Option) (*Engine, error) {
	cfg := engineConfig{log: logrus.NewEntry(logrus.StandardLogger()), inMemory: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	badgerOpts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return open(badgerOpts, cfg)
}

func open(badgerOpts badger.Options, cfg engineConfig) (*Engine, error) {
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	e := &Engine{
		db:      db,
		log:     cfg.log,
		proxies: make(map[uint64]*indexProxy),
	}
	if e.nodeSeq, err = db.GetSequence([]byte("seq:node"), sequenceBandwidth); err != nil {
		db.Close()
		return nil, fmt.Errorf("node id sequence: %w", err)
	}
	if e.relSeq, err = db.GetSequence([]byte("seq:rel"), sequenceBandwidth); err != nil {
		db.Close()
		return nil, fmt.Errorf("relationship id sequence: %w", err)
	}
	if e.ruleSeq, err = db.GetSequence([]byte("seq:rule"), sequenceBandwidth); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema rule id sequence: %w", err)
	}
	if err := e.bootstrapIndexes(); err != nil {
		db.Close()
		return nil, err
	}
	e.log.Debug("storage engine opened")
	return e, nil
}

// Close releases the sequences and closes the underlying database. Pending
// index populations are abandoned; they resume on the next open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.nodeSeq.Release()
	e.relSeq.Release()
	e.ruleSeq.Release()
	return e.db.Close()
}

// ID allocation
// ============================================================================

// ReserveNode reserves the next node id. Ids start at 1; id 0 is never
// assigned so it can serve as an absent-id marker.
func (e *Engine) ReserveNode() (uint64, error) {
	return e.nextID(e.nodeSeq)
}

// ReserveRelationship reserves the next relationship id.
func (e *Engine) ReserveRelationship() (uint64, error) {
	return e.nextID(e.relSeq)
}

// ReserveIndex reserves the next schema rule id. Index and constraint rules
// share one id space.
func (e *Engine) ReserveIndex() (uint64, error) {
	return e.nextID(e.ruleSeq)
}

func (e *Engine) nextID(seq *badger.Sequence) (uint64, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	id, err := seq.Next()
	if err != nil {
		return 0, err
	}
	return id + 1, nil
}
