package kernel

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphtx/pkg/schema"
)

// ConstraintIndexCreator builds the backing index of a uniqueness or
// node-key constraint. The build runs inside the owning transaction but
// commits the index rule through a nested implicit transaction, so the index
// exists and populates while the constraint itself is still pending.
//
// The owning transaction holds the exclusive schema lock when the build
// starts. The lock is released for the duration of the population scan so
// the database stays writable, then reacquired to verify that entries
// applied in the meantime did not introduce duplicates. Any failure after
// the index rule is committed triggers one compensation path: reacquire the
// lock if needed and drop the index, unless something else already changed
// it.
type ConstraintIndexCreator struct {
	k   *Kernel
	log *logrus.Entry
}

func newConstraintIndexCreator(k *Kernel) *ConstraintIndexCreator {
	return &ConstraintIndexCreator{k: k, log: k.log}
}

// constraintBuild carries the progress of one backing-index build so the
// compensation path knows exactly what to undo.
type constraintBuild struct {
	constraint     schema.ConstraintDescriptor
	index          schema.IndexReference
	indexID        uint64
	schemaLockHeld bool
}

// CreateUniquenessConstraintIndex builds and populates the backing index
// for the constraint and returns its committed rule id. A unique index left
// behind by an earlier failed build is adopted rather than recreated. On
// any failure the index is dropped again, provided it still exists
// unchanged.
func (c *ConstraintIndexCreator) CreateUniquenessConstraintIndex(ctx context.Context, tx *Transaction, constraint schema.ConstraintDescriptor) (uint64, error) {
	ref, indexID, err := c.getOrCreateConstraintIndex(ctx, constraint.Schema)
	if err != nil {
		return 0, err
	}
	build := &constraintBuild{
		constraint:     constraint,
		index:          ref,
		indexID:        indexID,
		schemaLockHeld: true,
	}
	if err := c.populateAndVerify(ctx, tx, build); err != nil {
		c.abort(tx, build)
		return 0, err
	}
	return indexID, nil
}

func (c *ConstraintIndexCreator) populateAndVerify(ctx context.Context, tx *Transaction, build *constraintBuild) error {
	proxy, err := c.k.store.IndexProxy(build.indexID)
	if err != nil {
		return err
	}
	res := schemaLockResource(build.constraint.Schema)
	token := uint64(build.constraint.Schema.Token)

	// Release the schema lock while the population scan runs. The
	// constraint is not visible yet, so concurrent writers lose nothing;
	// duplicates they introduce are caught by the deferred verification
	// below, after the lock is back.
	if err := tx.locks.ReleaseExclusive(res, token); err != nil {
		return err
	}
	build.schemaLockHeld = false

	waitCtx := ctx
	if c.k.popTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.k.popTimeout)
		defer cancel()
	}
	if err := proxy.AwaitPopulation(waitCtx); err != nil {
		return c.translateConflict(build.constraint, err)
	}

	if err := tx.locks.AcquireExclusive(ctx, res, token); err != nil {
		return err
	}
	build.schemaLockHeld = true

	if err := proxy.VerifyDeferredConstraints(); err != nil {
		return c.translateConflict(build.constraint, err)
	}
	return nil
}

// translateConflict surfaces a duplicate tuple found by population or
// verification as a uniqueness violation against the constraint being
// built.
func (c *ConstraintIndexCreator) translateConflict(constraint schema.ConstraintDescriptor, err error) error {
	var conflict schema.EntryConflict
	if errors.As(err, &conflict) {
		return &UniquenessViolationError{Constraint: constraint, Conflict: conflict}
	}
	return err
}

// abort is the single compensation path for a failed build: reacquire the
// schema lock if the failure happened while it was released, then drop the
// index if it still exists unchanged. A replaced or already-removed index
// is left alone.
func (c *ConstraintIndexCreator) abort(tx *Transaction, build *constraintBuild) {
	ctx := context.Background()
	res := schemaLockResource(build.constraint.Schema)
	token := uint64(build.constraint.Schema.Token)
	log := c.log.WithField("constraint", build.constraint.String())

	if !build.schemaLockHeld {
		if err := tx.locks.AcquireExclusive(ctx, res, token); err != nil {
			log.WithError(err).Error("could not reacquire schema lock to clean up constraint index")
			return
		}
		build.schemaLockHeld = true
	}

	current, err := c.k.store.IndexForSchema(build.constraint.Schema)
	if err != nil {
		log.WithError(err).Error("could not check leftover constraint index")
		return
	}
	if current.IsEmpty() || !current.Equal(build.index) {
		return
	}
	if err := c.dropConstraintIndex(ctx, build.index); err != nil {
		log.WithError(err).Error("could not drop leftover constraint index")
	}
}

// getOrCreateConstraintIndex returns a committed unique index over the
// schema, creating one through a nested implicit transaction if none
// exists.
func (c *ConstraintIndexCreator) getOrCreateConstraintIndex(ctx context.Context, d schema.Descriptor) (schema.IndexReference, uint64, error) {
	existing, err := c.k.store.IndexForSchema(d)
	if err != nil {
		return schema.IndexReference{}, 0, err
	}
	if !existing.IsEmpty() {
		if !existing.Unique {
			return schema.IndexReference{}, 0, &AlreadyIndexedError{Schema: d}
		}
		_, owned, err := c.k.store.IndexOwningConstraint(existing)
		if err != nil {
			return schema.IndexReference{}, 0, err
		}
		if owned {
			return schema.IndexReference{}, 0, &AlreadyConstrainedError{Constraint: schema.UniqueForSchema(d)}
		}
		// A unique index without an owner is debris from a build that
		// died after committing the index. Adopt it.
		id, err := c.k.store.CommittedIndexID(existing)
		if err != nil {
			return schema.IndexReference{}, 0, err
		}
		c.log.WithField("schema", d.String()).Info("adopting orphaned constraint index")
		return existing, id, nil
	}
	return c.createConstraintIndex(ctx, d)
}

func (c *ConstraintIndexCreator) createConstraintIndex(ctx context.Context, d schema.Descriptor) (schema.IndexReference, uint64, error) {
	ops, err := c.k.beginImplicit(ctx)
	if err != nil {
		return schema.IndexReference{}, 0, err
	}
	key, version := c.k.store.ProviderDescriptor()
	ref := schema.IndexReference{
		Schema:          d,
		Unique:          true,
		ProviderKey:     key,
		ProviderVersion: version,
		Capability:      c.k.store.DefaultCapability(),
	}
	id, err := c.k.store.ReserveIndex()
	if err != nil {
		ops.tx.Rollback()
		return schema.IndexReference{}, 0, err
	}
	ops.tx.state.IndexDoAdd(id, ref)
	if err := ops.tx.Commit(ctx); err != nil {
		return schema.IndexReference{}, 0, err
	}
	return ref, id, nil
}

func (c *ConstraintIndexCreator) dropConstraintIndex(ctx context.Context, ref schema.IndexReference) error {
	ops, err := c.k.beginImplicit(ctx)
	if err != nil {
		return err
	}
	ops.tx.state.IndexDoDrop(ref)
	return ops.tx.Commit(ctx)
}
