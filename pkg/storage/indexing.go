package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphtx/pkg/kernel"
	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/values"
)

// Index proxies
// ============================================================================

// indexProxy is the live handle to one index rule. It owns the population
// lifecycle: a new index starts populating in the background and flips to
// online or failed; both outcomes are persisted so a restart does not
// repeat finished work.
type indexProxy struct {
	engine *Engine
	id     uint64
	desc   schema.Descriptor
	unique bool
	log    *logrus.Entry

	mu      sync.Mutex
	state   schema.IndexState
	failure string
	popErr  error
	done    chan struct{}
}

// IndexProxy returns the live handle for a committed index rule.
func (e *Engine) IndexProxy(indexID uint64) (kernel.IndexProxy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	p, ok := e.proxies[indexID]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, indexID)
	}
	return p, nil
}

// bootstrapIndexes rebuilds proxies from persisted rules at open time.
// Populations interrupted by a shutdown restart from scratch.
func (e *Engine) bootstrapIndexes() error {
	var rules []indexRuleRecord
	err := e.db.View(func(txn *badger.Txn) error {
		var err error
		rules, err = loadIndexRules(txn)
		return err
	})
	if err != nil {
		return err
	}
	for _, rec := range rules {
		p := e.registerProxy(rec)
		if p.State() == schema.IndexPopulating {
			e.log.WithField("index", rec.ID).Info("resuming index population")
			go p.populate()
		}
	}
	return nil
}

// registerProxy creates and registers a proxy for a rule. The caller starts
// population when appropriate.
func (e *Engine) registerProxy(rec indexRuleRecord) *indexProxy {
	p := &indexProxy{
		engine: e,
		id:     rec.ID,
		desc:   fromDescriptorRecord(rec.Schema),
		unique: rec.Unique,
		log:    e.log.WithField("index", rec.ID),
		state:  schema.IndexState(rec.State),
		done:   make(chan struct{}),
	}
	p.failure = rec.FailureMessage
	if p.state != schema.IndexPopulating {
		close(p.done)
	}
	e.mu.Lock()
	e.proxies[rec.ID] = p
	e.mu.Unlock()
	return p
}

func (e *Engine) dropProxy(indexID uint64) {
	e.mu.Lock()
	delete(e.proxies, indexID)
	e.mu.Unlock()
}

// State returns the current lifecycle state.
func (p *indexProxy) State() schema.IndexState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AwaitPopulation blocks until the population scan finishes or the context
// is done. A failed population returns its cause; for a uniqueness failure
// the cause unwraps to the schema.EntryConflict.
func (p *indexProxy) AwaitPopulation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == schema.IndexFailed {
		if p.popErr != nil {
			return fmt.Errorf("index %d population failed: %w", p.id, p.popErr)
		}
		return fmt.Errorf("index %d population failed: %s", p.id, p.failure)
	}
	return nil
}

// populate scans every node under the schema label and writes index
// entries. A unique index fails on the first duplicate tuple.
func (p *indexProxy) populate() {
	nodes, err := p.engine.NodesWithLabel(p.desc.Token)
	if err != nil {
		p.fail(fmt.Errorf("population scan: %w", err))
		return
	}

	seen := make(map[string]uint64, len(nodes))
	wb := p.engine.db.NewWriteBatch()
	defer wb.Cancel()
	for _, n := range nodes {
		tuple := nodeTuple(n, p.desc)
		if !tuple.Complete() {
			continue
		}
		key, err := tuple.EncodeKey()
		if err != nil {
			p.fail(fmt.Errorf("encode tuple for node %d: %w", n.ID, err))
			return
		}
		if p.unique {
			if first, dup := seen[string(key)]; dup {
				p.fail(schema.EntryConflict{FirstEntity: first, SecondEntity: n.ID, Tuple: tuple})
				return
			}
			seen[string(key)] = n.ID
		}
		if err := wb.Set(indexEntryKey(p.id, key, n.ID), nil); err != nil {
			p.fail(fmt.Errorf("write index entry: %w", err))
			return
		}
	}
	if err := wb.Flush(); err != nil {
		p.fail(fmt.Errorf("flush index entries: %w", err))
		return
	}
	p.online()
}

func (p *indexProxy) online() {
	if err := p.engine.setIndexRuleState(p.id, schema.IndexOnline, ""); err != nil {
		p.fail(fmt.Errorf("persist online state: %w", err))
		return
	}
	p.mu.Lock()
	p.state = schema.IndexOnline
	close(p.done)
	p.mu.Unlock()
	p.log.Debug("index population finished")
}

func (p *indexProxy) fail(cause error) {
	if err := p.engine.setIndexRuleState(p.id, schema.IndexFailed, cause.Error()); err != nil {
		p.log.WithError(err).Error("could not persist failed index state")
	}
	p.mu.Lock()
	p.state = schema.IndexFailed
	p.failure = cause.Error()
	p.popErr = cause
	close(p.done)
	p.mu.Unlock()
	p.log.WithError(cause).Warn("index population failed")
}

// VerifyDeferredConstraints re-checks uniqueness across everything the
// index holds. Entries are sorted by tuple key, so duplicates are adjacent.
func (p *indexProxy) VerifyDeferredConstraints() error {
	if !p.unique {
		return nil
	}
	var conflict *schema.EntryConflict
	err := p.engine.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: indexEntryIndexPrefix(p.id)})
		defer it.Close()
		var prevTuple []byte
		var prevNode uint64
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			tupleKey := extractEntryTupleKey(key)
			node := extractEntityID(key)
			if prevTuple != nil && string(prevTuple) == string(tupleKey) {
				rec, ok, err := readNodeRecord(txn, prevNode)
				if err != nil {
					return err
				}
				tuple := values.Tuple{}
				if ok {
					first, err := toKernelNode(prevNode, rec)
					if err != nil {
						return err
					}
					tuple = nodeTuple(first, p.desc)
				}
				conflict = &schema.EntryConflict{FirstEntity: prevNode, SecondEntity: node, Tuple: tuple}
				return nil
			}
			prevTuple = append(prevTuple[:0], tupleKey...)
			prevNode = node
		}
		return nil
	})
	if err != nil {
		return err
	}
	if conflict != nil {
		return *conflict
	}
	return nil
}

// SeekExact returns the entity holding exactly the given tuple, if any.
func (p *indexProxy) SeekExact(tuple values.Tuple) (uint64, bool, error) {
	key, err := tuple.EncodeKey()
	if err != nil {
		return 0, false, err
	}
	var entity uint64
	found := false
	viewErr := p.engine.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: indexEntryTuplePrefix(p.id, key)})
		defer it.Close()
		it.Rewind()
		if it.Valid() {
			entity = extractEntityID(it.Item().Key())
			found = true
		}
		return nil
	})
	return entity, found, viewErr
}

// setIndexRuleState persists a lifecycle transition on the index rule.
func (e *Engine) setIndexRuleState(id uint64, state schema.IndexState, failure string) error {
	return e.db.Update(func(txn *badger.Txn) error {
		rec, err := readIndexRule(txn, id)
		if err != nil {
			return err
		}
		rec.State = int(state)
		rec.FailureMessage = failure
		return writeIndexRule(txn, rec)
	})
}

func readIndexRule(txn *badger.Txn, id uint64) (indexRuleRecord, error) {
	var rec indexRuleRecord
	item, err := txn.Get(indexRuleKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: index rule %d", ErrNotFound, id)
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return decodeRecord(val, &rec)
	})
	return rec, err
}

// nodeTuple assembles the node's value tuple for an index schema. Missing
// properties yield incomplete tuples, which are not indexed.
func nodeTuple(n kernel.NodeRecord, d schema.Descriptor) values.Tuple {
	tuple := make(values.Tuple, len(d.PropertyIDs))
	for i, pid := range d.PropertyIDs {
		tuple[i] = n.Properties[pid]
	}
	return tuple
}
