// Package locking provides the process-wide lock manager the mutation
// kernel runs on: shared/exclusive locks keyed by (resource type, resource
// id), acquired through per-transaction clients and held until the
// transaction releases them.
//
// There is no deadlock detection. Callers avoid deadlock by canonical
// acquisition ordering (lower node id first, entity locks before
// index-entry locks); a context deadline is the escape hatch when the
// ordering discipline is violated.
package locking

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ResourceType partitions the lock key space.
type ResourceType int

const (
	ResourceNode ResourceType = iota
	ResourceRelationship
	ResourceLabel
	ResourceRelationshipType
	ResourceIndexEntry
	ResourceSchema
	ResourceGraphProps
)

func (r ResourceType) String() string {
	switch r {
	case ResourceNode:
		return "NODE"
	case ResourceRelationship:
		return "RELATIONSHIP"
	case ResourceLabel:
		return "LABEL"
	case ResourceRelationshipType:
		return "RELATIONSHIP_TYPE"
	case ResourceIndexEntry:
		return "INDEX_ENTRY"
	case ResourceSchema:
		return "SCHEMA"
	case ResourceGraphProps:
		return "GRAPH_PROPS"
	default:
		return fmt.Sprintf("ResourceType(%d)", int(r))
	}
}

// GraphPropsResource is the single resource id guarding the graph-wide
// property map.
const GraphPropsResource uint64 = 0

type resource struct {
	typ ResourceType
	id  uint64
}

// entry is the lock table record for one resource. Guarded by Manager.mu.
type entry struct {
	// shared holders: client -> re-entrancy count
	shared map[*Client]int
	// exclusive holder (nil if none) and its re-entrancy count
	exclusive      *Client
	exclusiveCount int
}

func (e *entry) unused() bool {
	return len(e.shared) == 0 && e.exclusive == nil
}

// Manager is the process-wide lock table. One Manager is shared by all
// transactions of a database instance.
type Manager struct {
	mu    sync.Mutex
	cond  *sync.Cond
	table map[resource]*entry

	log *logrus.Entry
}

// NewManager returns an empty lock table.
func NewManager() *Manager {
	m := &Manager{
		table: make(map[resource]*entry),
		log:   logrus.WithField("component", "locking"),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// NewClient returns a lock client for one transaction. Clients are not safe
// for concurrent use by multiple goroutines; each transaction owns one.
func (m *Manager) NewClient() *Client {
	return &Client{
		manager: m,
		held:    make(map[resource]heldLock),
	}
}

type lockMode int

const (
	modeShared lockMode = iota
	modeExclusive
)

type heldLock struct {
	mode  lockMode
	count int
}

// Client acquires and releases locks on behalf of one transaction.
type Client struct {
	manager *Manager
	held    map[resource]heldLock
	closed  bool
}

// AcquireShared blocks until a shared lock on (typ, id) is held, the
// context is done, or the client is closed. Re-entrant; a client already
// holding the exclusive lock is granted the shared request implicitly.
func (c *Client) AcquireShared(ctx context.Context, typ ResourceType, id uint64) error {
	return c.acquire(ctx, modeShared, typ, id)
}

// AcquireExclusive blocks until an exclusive lock on (typ, id) is held.
// Re-entrant. A sole shared holder is upgraded in place; otherwise the
// upgrade waits for the other shared holders to drain.
func (c *Client) AcquireExclusive(ctx context.Context, typ ResourceType, id uint64) error {
	return c.acquire(ctx, modeExclusive, typ, id)
}

func (c *Client) acquire(ctx context.Context, mode lockMode, typ ResourceType, id uint64) error {
	res := resource{typ: typ, id: id}
	m := c.manager

	// A context-done wakeup has to interrupt the cond wait. Waking all
	// waiters on cancellation is coarse but keeps the table single-cond.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if c.closed {
			return fmt.Errorf("locking: client is closed")
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("locking: acquire %s(%d): %w", typ, id, err)
		}

		e := m.table[res]
		if e == nil {
			e = &entry{shared: make(map[*Client]int)}
			m.table[res] = e
		}

		if granted := c.tryGrantLocked(e, mode, res); granted {
			return nil
		}

		m.log.WithFields(logrus.Fields{
			"resource": typ.String(),
			"id":       id,
			"mode":     modeName(mode),
		}).Debug("waiting for lock")
		m.cond.Wait()
	}
}

// tryGrantLocked attempts the grant under m.mu, updating client bookkeeping
// on success.
func (c *Client) tryGrantLocked(e *entry, mode lockMode, res resource) bool {
	switch mode {
	case modeShared:
		// Re-entrant shared, or implicit via held exclusive.
		if e.exclusive == c {
			e.exclusiveCount++
			c.bump(res, modeExclusive)
			return true
		}
		if e.exclusive != nil {
			return false
		}
		e.shared[c]++
		c.bump(res, modeShared)
		return true

	case modeExclusive:
		if e.exclusive == c {
			e.exclusiveCount++
			c.bump(res, modeExclusive)
			return true
		}
		if e.exclusive != nil {
			return false
		}
		// Upgrade: permitted only when this client is the sole shared holder.
		if len(e.shared) > 0 {
			if len(e.shared) != 1 || e.shared[c] == 0 {
				return false
			}
			delete(e.shared, c)
		}
		e.exclusive = c
		// On upgrade, prior shared holds become exclusive holds so the
		// release accounting stays balanced.
		e.exclusiveCount = c.held[res].count + 1
		c.bump(res, modeExclusive)
		return true
	}
	return false
}

func (c *Client) bump(res resource, mode lockMode) {
	h := c.held[res]
	// An upgrade converts the tracked mode; the count carries over so every
	// prior acquire still needs its release.
	h.mode = mode
	h.count++
	c.held[res] = h
}

// ReleaseExclusive releases one hold of an exclusive lock. It exists for
// the constraint creator's deliberate mid-protocol release; ordinary
// operations hold locks until ReleaseAll at transaction end.
func (c *Client) ReleaseExclusive(typ ResourceType, id uint64) error {
	res := resource{typ: typ, id: id}
	m := c.manager

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.table[res]
	if e == nil || e.exclusive != c {
		return fmt.Errorf("locking: release %s(%d): exclusive lock not held", typ, id)
	}

	e.exclusiveCount--
	h := c.held[res]
	h.count--
	if h.count == 0 {
		delete(c.held, res)
	} else {
		c.held[res] = h
	}

	if e.exclusiveCount == 0 {
		e.exclusive = nil
		if e.unused() {
			delete(m.table, res)
		}
		m.cond.Broadcast()
	}
	return nil
}

// ReleaseAll drops every lock the client holds and marks it closed. Called
// exactly once at transaction end, on every exit path.
func (c *Client) ReleaseAll() {
	m := c.manager

	m.mu.Lock()
	defer m.mu.Unlock()

	for res := range c.held {
		e := m.table[res]
		if e == nil {
			continue
		}
		if e.exclusive == c {
			e.exclusive = nil
			e.exclusiveCount = 0
		}
		delete(e.shared, c)
		if e.unused() {
			delete(m.table, res)
		}
	}
	c.held = make(map[resource]heldLock)
	c.closed = true
	m.cond.Broadcast()
}

// HoldsExclusive reports whether the client currently holds the exclusive
// lock on (typ, id).
func (c *Client) HoldsExclusive(typ ResourceType, id uint64) bool {
	m := c.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.table[resource{typ: typ, id: id}]
	return e != nil && e.exclusive == c
}

func modeName(m lockMode) string {
	if m == modeExclusive {
		return "exclusive"
	}
	return "shared"
}
