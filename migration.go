package strata

import (
	"time"

	"github.com/pkg/errors"

	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
)

// Objects migrate lazily: the first transaction of a newer schema that
// touches an object upgrades it in place, one version hop at a time,
// so an object three versions behind replays every intermediate layout
// and every intermediate migration hook. The upgrade happens inside
// the touching transaction; if that transaction rolls back, the object
// stays at its old version.

// MapEntry is one map entry inside a migration snapshot.
type MapEntry struct {
	Key   any
	Value any
}

// MigrationRecord carries the object's state as it was under the
// previous schema version. Values use store-native types; enum values
// arrive as schema.Enum, keeping both the name and the ordinal even
// when the new schema redefines the constants.
type MigrationRecord struct {
	Object   schema.ObjId
	TypeName string
	From     int
	To       int
	// OldValues maps field name to the snapshot: the plain value for
	// simple and counter fields, []any for sets and lists, []MapEntry
	// in key order for maps. Fields dropped by the new version are
	// still present here.
	OldValues map[string]any
}

// MigrationHook runs while an object moves to toVersion. Writes made
// by the hook go through the normal operations and therefore keep
// every index and reference count correct.
type MigrationHook func(tx *Tx, oid schema.ObjId, rec *MigrationRecord) error

// OnMigrate registers a hook for objects of the named type arriving at
// toVersion.
func (store *Store) OnMigrate(typeName string, toVersion int, hook MigrationHook) {
	appendHook(store.migrateHooks, migrationKey{typeName: typeName, to: toVersion}, hook)
}

// Migrate upgrades the object to the transaction's schema version, if
// it is behind; true means at least one hop ran. Migrating an
// up-to-date object is a no-op.
func (tx *Tx) Migrate(oid schema.ObjId) (bool, error) {
	_, ver, err := tx.header(oid)
	if err != nil {
		return false, err
	}
	if ver == tx.sch.Version() {
		return false, nil
	}
	return true, tx.ensureMigrated(oid)
}

func (tx *Tx) ensureMigrated(oid schema.ObjId) error {
	if _, busy := tx.migrating[oid]; busy {
		return nil
	}
	tid, ver, err := tx.header(oid)
	if err != nil {
		return err
	}
	if ver > tx.sch.Version() {
		return errors.Wrapf(strata_errors.ErrSchemaStale,
			"%s is at schema version %d, transaction at %d", oid.String(), ver, tx.sch.Version())
	}
	for ver < tx.sch.Version() {
		if err = tx.migrateHop(oid, tid, ver); err != nil {
			return err
		}
		ver++
	}
	return nil
}

func (tx *Tx) migrateHop(oid schema.ObjId, tid uint16, from int) error {
	oldSch := tx.store.registry.Version(from)
	newSch := tx.store.registry.Version(from + 1)
	if oldSch == nil || newSch == nil {
		return errors.Wrapf(strata_errors.ErrTypeUnknown, "no schema version %d", from)
	}
	oldDef := oldSch.TypeByStorageId(tid)
	newDef := newSch.TypeByStorageId(tid)
	if oldDef == nil || newDef == nil {
		return errors.Wrapf(strata_errors.ErrTypeUnknown,
			"type #%x of %s absent around version %d", tid, oid.String(), from)
	}
	started := time.Now()
	tx.migrating[oid] = struct{}{}
	defer delete(tx.migrating, oid)

	err := tx.migrateHopInner(oid, oldDef, newDef, from)
	if err != nil {
		MigrationCount.WithLabelValues(newDef.Name, "error").Inc()
		return err
	}
	MigrationCount.WithLabelValues(newDef.Name, "ok").Inc()
	MigrationDuration.WithLabelValues(newDef.Name).Observe(float64(time.Since(started).Milliseconds()))
	return nil
}

func (tx *Tx) migrateHopInner(oid schema.ObjId, oldDef, newDef *schema.TypeDef, from int) error {
	rec := &MigrationRecord{
		Object:    oid,
		TypeName:  newDef.Name,
		From:      from,
		To:        from + 1,
		OldValues: make(map[string]any, len(oldDef.Fields)),
	}
	for i := range oldDef.Fields {
		f := &oldDef.Fields[i]
		v, err := tx.snapshotField(oid, f)
		if err != nil {
			return err
		}
		rec.OldValues[f.Name] = v
	}

	if err := tx.retractObjectIndexes(oid, oldDef); err != nil {
		return err
	}
	// fields the new layout drops or redeclares incompatibly reset
	for i := range oldDef.Fields {
		f := &oldDef.Fields[i]
		kept := newDef.FieldByStorageId(f.StorageId)
		if kept != nil && kept.Congruent(*f) {
			continue
		}
		if err := tx.clearField(oid, f); err != nil {
			return err
		}
	}
	if err := tx.set(headerKey(oid), headerValue(newDef.StorageId, from+1)); err != nil {
		return err
	}
	if err := tx.del(versionKey(from, oid)); err != nil {
		return err
	}
	if err := tx.set(versionKey(from+1, oid), nil); err != nil {
		return err
	}

	if hooks, ok := tx.store.migrateHooks.Load(migrationKey{typeName: newDef.Name, to: from + 1}); ok {
		for _, h := range hooks {
			if err := h(tx, oid, rec); err != nil {
				return err
			}
		}
	}
	return tx.rebuildObjectIndexes(oid, newDef)
}

// snapshotField reads a field under its old declaration into the
// snapshot form.
func (tx *Tx) snapshotField(oid schema.ObjId, f *schema.Field) (any, error) {
	switch f.Kind {
	case schema.KindSimple:
		return tx.readSimple(oid, f)
	case schema.KindCounter:
		val, err := tx.get(counterKey(oid, f.StorageId))
		if err != nil {
			return nil, err
		}
		return cellInt64(val), nil
	case schema.KindSet, schema.KindList:
		var ret []any
		err := tx.eachCollectionRow(oid, f, func(sub byte, rowKey, rowVal []byte) error {
			v, err := schema.ValueFromTLV(f.Elem, rowVal)
			if err != nil {
				return err
			}
			ret = append(ret, v)
			return nil
		})
		return ret, err
	case schema.KindMap:
		var ret []MapEntry
		err := tx.eachCollectionRow(oid, f, func(sub byte, rowKey, rowVal []byte) error {
			k, v, err := mapEntryValue(f, rowKey, rowVal)
			if err != nil {
				return err
			}
			ret = append(ret, MapEntry{Key: k, Value: v})
			return nil
		})
		return ret, err
	}
	return nil, strata_errors.ErrWrongKind
}

// clearField wipes the rows of a dropped or redeclared field and lets
// go of any references it held.
func (tx *Tx) clearField(oid schema.ObjId, f *schema.Field) error {
	if f.IsRef() {
		tdef := &schema.TypeDef{Fields: schema.Fields{*f}}
		if err := tx.adjustOutgoingRefs(oid, tdef, -1); err != nil {
			return err
		}
	}
	lo, hi := fieldKeyRange(oid, f.StorageId)
	return tx.delRange(lo, hi)
}
