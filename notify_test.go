package strata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/schema"
)

func fieldStorageId(t *testing.T, store *Store, typeName, fieldName string) uint32 {
	t.Helper()
	tdef := store.Registry().Latest().Type(typeName)
	require.NotNil(t, tdef)
	for i := range tdef.Fields {
		if tdef.Fields[i].Name == fieldName {
			return tdef.Fields[i].StorageId
		}
	}
	t.Fatalf("no field %s.%s", typeName, fieldName)
	return 0
}

func TestOnChangeHook(t *testing.T) {
	store := testStore(t)
	var seen []Change
	store.OnChange("Person", "name", func(tx *Tx, ch Change) error {
		seen = append(seen, ch)
		return nil
	})

	tx := begin(t, store)
	defer tx.Rollback()
	alice, _ := tx.Create("Person")
	require.NoError(t, tx.SetField(alice, "name", "alice"))
	require.NoError(t, tx.SetField(alice, "name", "alicia"))
	// other fields do not trip the hook
	require.NoError(t, tx.SetField(alice, "age", 39))

	require.Len(t, seen, 2)
	assert.Equal(t, ChangeSet, seen[0].Kind)
	assert.Equal(t, alice, seen[0].Object)
	assert.Equal(t, "", seen[0].Old)
	assert.Equal(t, "alice", seen[0].New)
	assert.Equal(t, "alice", seen[1].Old)
	assert.Equal(t, "alicia", seen[1].New)
}

func TestOnChangeCollection(t *testing.T) {
	store := testStore(t)
	var seen []Change
	store.OnChange("Person", "nicknames", func(tx *Tx, ch Change) error {
		seen = append(seen, ch)
		return nil
	})

	tx := begin(t, store)
	defer tx.Rollback()
	alice, _ := tx.Create("Person")
	nicks, err := tx.SetOf(alice, "nicknames")
	require.NoError(t, err)
	_, err = nicks.Add("ace")
	require.NoError(t, err)
	_, err = nicks.Remove("ace")
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, ChangeAdd, seen[0].Kind)
	assert.Equal(t, "ace", seen[0].New)
	assert.Equal(t, ChangeRemove, seen[1].Kind)
	assert.Equal(t, "ace", seen[1].Old)
}

func TestChangeFeed(t *testing.T) {
	store := testStore(t)
	feed := store.AddChangeFeed("audit")

	tx := begin(t, store)
	alice, _ := tx.Create("Person")
	require.NoError(t, tx.SetField(alice, "name", "alice"))
	commit(t, tx)

	recs, err := feed.Feed()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	created, err := ParseChangeTLV(recs[0])
	require.NoError(t, err)
	assert.Equal(t, ChangeCreate, created.Kind)
	assert.Equal(t, alice, created.Object)
	assert.Zero(t, created.FieldId)

	set, err := ParseChangeTLV(recs[1])
	require.NoError(t, err)
	assert.Equal(t, ChangeSet, set.Kind)
	assert.Equal(t, alice, set.Object)
	assert.Equal(t, fieldStorageId(t, store, "Person", "name"), set.FieldId)

	store.RemoveChangeFeed("audit")

	// with no subscribers left the commit just drops the records
	tx = begin(t, store)
	_, err = tx.Create("Person")
	require.NoError(t, err)
	commit(t, tx)
}

func TestChangeFeedSkipsRolledBack(t *testing.T) {
	store := testStore(t)
	feed := store.AddChangeFeed("audit")

	tx := begin(t, store)
	_, err := tx.Create("Person")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx = begin(t, store)
	bob, _ := tx.Create("Person")
	commit(t, tx)

	recs, err := feed.Feed()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	ch, err := ParseChangeTLV(recs[0])
	require.NoError(t, err)
	assert.Equal(t, bob, ch.Object)
}

func TestDeleteFeedsAndHooks(t *testing.T) {
	store := testStore(t)
	var hookFired []schema.ObjId
	store.OnDelete("Person", func(tx *Tx, oid schema.ObjId) error {
		hookFired = append(hookFired, oid)
		return nil
	})
	feed := store.AddChangeFeed("audit")

	tx := begin(t, store)
	alice, _ := tx.Create("Person")
	_, err := tx.Delete(alice)
	require.NoError(t, err)
	commit(t, tx)

	assert.Equal(t, []schema.ObjId{alice}, hookFired)

	recs, err := feed.Feed()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	del, err := ParseChangeTLV(recs[1])
	require.NoError(t, err)
	assert.Equal(t, ChangeDelete, del.Kind)
	assert.Equal(t, alice, del.Object)
}

func TestOnDeleteAtPathWatch(t *testing.T) {
	store := testStore(t)
	type firing struct{ watcher, deleted schema.ObjId }
	var fired []firing
	err := store.OnDeleteAt("Person", "employer", func(tx *Tx, watcher, deleted schema.ObjId) error {
		fired = append(fired, firing{watcher, deleted})
		return nil
	})
	require.NoError(t, err)

	tx := begin(t, store)
	defer tx.Rollback()
	alice, _ := tx.Create("Person")
	bob, _ := tx.Create("Person")
	acme, _ := tx.Create("Company")
	require.NoError(t, tx.SetField(alice, "employer", acme))
	require.NoError(t, tx.SetField(bob, "employer", acme))

	// a blocked deletion never reaches the watchers
	_, err = tx.Delete(acme)
	require.Error(t, err)
	assert.Empty(t, fired)

	require.NoError(t, tx.SetField(alice, "employer", schema.ObjIdNil))
	require.NoError(t, tx.SetField(bob, "employer", schema.ObjIdNil))
	_, err = tx.Delete(acme)
	require.NoError(t, err)
	// both references were cut before the delete, so nobody watches it
	assert.Empty(t, fired)

	// now with live watchers and an unreferencing edge
	carol, _ := tx.Create("Person")
	dave, _ := tx.Create("Person")
	require.NoError(t, tx.SetField(carol, "spouse", dave))
	err = store.OnDeleteAt("Person", "spouse", func(tx *Tx, watcher, deleted schema.ObjId) error {
		fired = append(fired, firing{watcher, deleted})
		return nil
	})
	require.NoError(t, err)
	_, err = tx.Delete(dave)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, carol, fired[0].watcher)
	assert.Equal(t, dave, fired[0].deleted)
}

func TestOnDeleteAtRejectsBadPath(t *testing.T) {
	store := testStore(t)
	err := store.OnDeleteAt("Person", "nope", func(tx *Tx, watcher, deleted schema.ObjId) error {
		return nil
	})
	assert.Error(t, err)
}
