package strata

import (
	"github.com/pkg/errors"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

// CounterRef is a handle on one counter field. Counters are merge
// cells: concurrent transactions adjusting the same counter both land,
// summed by the KV merge operator instead of conflicting. The price is
// that counters are unindexed and fire no change notifications.
type CounterRef struct {
	tx  *Tx
	oid schema.ObjId
	f   *schema.Field
}

func (tx *Tx) CounterOf(oid schema.ObjId, name string) (*CounterRef, error) {
	tdef, f, err := tx.field(oid, name)
	if err != nil {
		return nil, err
	}
	if f.Kind != schema.KindCounter {
		return nil, errors.Wrapf(strata_errors.ErrWrongKind,
			"%s.%s is a %s field", tdef.Name, name, f.Kind.String())
	}
	return &CounterRef{tx: tx, oid: oid, f: f}, nil
}

func (c *CounterRef) Get() (int64, error) {
	val, err := c.tx.get(counterKey(c.oid, c.f.StorageId))
	if err != nil {
		return 0, err
	}
	return cellInt64(val), nil
}

// Adjust adds delta; this is the conflict-free write path.
func (c *CounterRef) Adjust(delta int64) error {
	return c.tx.merge(counterKey(c.oid, c.f.StorageId), cellBytes(delta))
}

// Set forces the value by adjusting away the difference as read in
// this transaction. Concurrent adjustments still land on top.
func (c *CounterRef) Set(v int64) error {
	cur, err := c.Get()
	if err != nil {
		return err
	}
	return c.Adjust(v - cur)
}
