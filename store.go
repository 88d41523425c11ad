// Package strata is a schema-versioned object store on top of a
// sorted key-value store. Model types are declared as explicit field
// descriptor tables, registered as immutable schema versions; objects
// are created under the schema in force and lazily migrated, one
// version hop at a time, when a newer-schema transaction first touches
// them. Indexed fields, reference paths and change notification are
// maintained transactionally.
package strata

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/stratadb/strata/refpath"
	"github.com/stratadb/strata/schema"
	"github.com/stratadb/strata/strata_errors"
	"github.com/stratadb/strata/utils"
)

type ValidationMode int

const (
	// ValidateManually runs constraints only on explicit Tx.Validate.
	ValidateManually ValidationMode = iota
	// ValidateAutomatically additionally runs them at commit; the
	// commit never completes while violations are pending.
	ValidateAutomatically
)

type Options struct {
	pebble.Options

	Name               string
	Logger             utils.Logger
	ValidationMode     ValidationMode
	FeedLimit          int
	PebbleWriteOptions *pebble.WriteOptions
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.FeedLimit == 0 {
		o.FeedLimit = 1 << 10
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = &pebble.WriteOptions{Sync: false}
	}
	o.Options.Merger = &pebble.Merger{
		Name:  "strata",
		Merge: merger,
	}
}

// Hook observes an object lifecycle event inside a transaction.
type Hook func(tx *Tx, oid schema.ObjId) error

// DeleteHook observes a deletion reachable from watcher via a
// registered notification path.
type DeleteHook func(tx *Tx, watcher, deleted schema.ObjId) error

type deleteWatch struct {
	path *refpath.Path
	hook DeleteHook
}

type migrationKey struct {
	typeName string
	to       int
}

const pathCacheSize = 4096

type Store struct {
	db  *pebble.DB
	dir string
	log utils.Logger

	opts     Options
	registry *schema.Registry
	alloc    atomic.Uint64

	createHooks   *xsync.MapOf[string, []Hook]
	deleteHooks   *xsync.MapOf[string, []Hook]
	validateHooks *xsync.MapOf[string, []Hook]
	changeHooks   *xsync.MapOf[string, []ChangeHook]
	migrateHooks  *xsync.MapOf[migrationKey, []MigrationHook]
	deleteWatches *xsync.MapOf[uint16, []deleteWatch]

	// change feeds, keyed by subscriber name (the packet-hose pattern)
	feeds utils.CMap[string, toyqueue.DrainCloser]

	pathCache *lru.Cache[string, *refpath.Path]
	vd        *validator.Validate
}

// Open opens (or creates) a store in the given directory. Schema
// versions registered in previous runs are reloaded so that objects
// written under them stay readable and migratable.
func Open(dir string, opts Options) (store *Store, err error) {
	opts.SetDefaults()
	if opts.Name == "" {
		opts.Name = filepath.Base(dir)
	}
	db, err := pebble.Open(dir, &opts.Options)
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[string, *refpath.Path](pathCacheSize)
	store = &Store{
		db:            db,
		dir:           dir,
		log:           utils.Named(opts.Logger, "store", opts.Name),
		opts:          opts,
		registry:      schema.NewRegistry(),
		createHooks:   xsync.NewMapOf[string, []Hook](),
		deleteHooks:   xsync.NewMapOf[string, []Hook](),
		validateHooks: xsync.NewMapOf[string, []Hook](),
		changeHooks:   xsync.NewMapOf[string, []ChangeHook](),
		migrateHooks:  xsync.NewMapOf[migrationKey, []MigrationHook](),
		deleteWatches: xsync.NewMapOf[uint16, []deleteWatch](),
		pathCache:     cache,
		vd:            validator.New(),
	}
	if err = store.loadSchemas(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err = store.loadAlloc(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (store *Store) loadSchemas() error {
	lo, hi := schemaKeyRange()
	it, err := store.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		types, err := schema.ParseSchemaTLV(it.Value())
		if err != nil {
			return errors.Wrap(err, "reloading persisted schema")
		}
		if _, err = store.registry.Register(types...); err != nil {
			return errors.Wrap(err, "reloading persisted schema")
		}
	}
	return nil
}

func (store *Store) loadAlloc() error {
	val, closer, err := store.db.Get(allocKey())
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	store.alloc.Store(uint64(cellInt64(val)))
	return closer.Close()
}

// RegisterTypes registers a set of type declarations as the next
// schema version (or returns the already-known version for an
// identical layout). Conflicting declarations fail here, before any
// transaction sees the schema.
func (store *Store) RegisterTypes(ctx context.Context, types ...*schema.TypeDef) (*schema.Schema, error) {
	if store.db == nil {
		return nil, strata_errors.ErrClosed
	}
	known := store.registry.Len()
	sch, err := store.registry.Register(types...)
	if err != nil {
		return nil, err
	}
	if sch.Version() > known {
		err = store.db.Set(schemaKey(sch.Version()), sch.TLV(), store.opts.PebbleWriteOptions)
		if err != nil {
			return nil, err
		}
		store.log.InfoCtx(ctx, "registered schema version",
			"version", sch.Version(), "types", len(sch.Types()))
	}
	return sch, nil
}

func (store *Store) Registry() *schema.Registry { return store.registry }

func (store *Store) DB() *pebble.DB { return store.db }

func (store *Store) Logger() utils.Logger { return store.log }

// Begin starts a transaction bound to the latest schema version.
func (store *Store) Begin() (*Tx, error) {
	latest := store.registry.Latest()
	if latest == nil {
		return nil, strata_errors.ErrTypeUnknown
	}
	return store.BeginAt(latest.Version())
}

// BeginAt starts a transaction bound to an explicit schema version.
// Reads observe a consistent snapshot plus the transaction's own
// writes; objects of older schema versions migrate on first touch.
func (store *Store) BeginAt(version int) (*Tx, error) {
	if store.db == nil {
		return nil, strata_errors.ErrClosed
	}
	sch := store.registry.Version(version)
	if sch == nil {
		return nil, errors.Wrapf(strata_errors.ErrTypeUnknown, "no schema version %d", version)
	}
	return newTx(store, sch), nil
}

// AddChangeFeed subscribes a named drain of committed change records.
// An existing subscriber of the same name is closed and replaced.
func (store *Store) AddChangeFeed(name string) toyqueue.FeedCloser {
	queue := &toyqueue.RecordQueue{Limit: store.opts.FeedLimit}
	old, _ := store.feeds.Load(name)
	store.feeds.Store(name, queue)
	if old != nil {
		store.log.Warn("closing the previous change feed", "name", name)
		_ = old.Close()
	}
	return queue.Blocking()
}

func (store *Store) RemoveChangeFeed(name string) {
	if q, ok := store.feeds.LoadAndDelete(name); ok {
		_ = q.Close()
	}
}

func (store *Store) broadcast(records toyqueue.Records) {
	if len(records) == 0 {
		return
	}
	store.feeds.Range(func(name string, q toyqueue.DrainCloser) bool {
		if err := q.Drain(records); err != nil {
			store.log.Warn("dropping stalled change feed", "name", name, "error", err)
			store.feeds.Delete(name)
			_ = q.Close()
		}
		return true
	})
}

func (store *Store) Close() error {
	if store.db == nil {
		return strata_errors.ErrClosed
	}
	store.feeds.Range(func(name string, q toyqueue.DrainCloser) bool {
		_ = q.Close()
		store.feeds.Delete(name)
		return true
	})
	err := store.db.Close()
	store.db = nil
	return err
}

// OnCreate registers a creation callback for a type; callbacks run in
// registration order, inside Create itself.
func (store *Store) OnCreate(typeName string, hook Hook) {
	appendHook(store.createHooks, typeName, hook)
}

// OnDelete registers a deletion callback for a type, fired before the
// object's rows are removed.
func (store *Store) OnDelete(typeName string, hook Hook) {
	appendHook(store.deleteHooks, typeName, hook)
}

// OnValidate registers a custom check run by Tx.Validate in addition
// to the declarative field rules.
func (store *Store) OnValidate(typeName string, hook Hook) {
	appendHook(store.validateHooks, typeName, hook)
}

// OnDeleteAt registers a deletion callback on a reference path: when
// any object reachable from a startType object via the path is
// deleted, the hook fires for each such watcher. The path is checked
// against the latest schema now; an invalid path fails registration.
func (store *Store) OnDeleteAt(startType string, pathExpr string, hook DeleteHook) error {
	sch := store.registry.Latest()
	if sch == nil {
		return strata_errors.ErrTypeUnknown
	}
	p, err := refpath.Parse(sch, startType, pathExpr)
	if err != nil {
		return err
	}
	for _, t := range p.TargetTypes {
		store.deleteWatches.Compute(t.StorageId, func(old []deleteWatch, _ bool) ([]deleteWatch, bool) {
			return append(old, deleteWatch{path: p, hook: hook}), false
		})
	}
	return nil
}

func appendHook[K comparable, H any](m *xsync.MapOf[K, []H], key K, hook H) {
	m.Compute(key, func(old []H, _ bool) ([]H, bool) {
		return append(old, hook), false
	})
}

// parsePath compiles (and caches) a path expression against a schema.
func (store *Store) parsePath(sch *schema.Schema, start, expr string) (*refpath.Path, error) {
	key := sch.Id().String() + "|" + start + "|" + expr
	if p, ok := store.pathCache.Get(key); ok {
		return p, nil
	}
	p, err := refpath.Parse(sch, start, expr)
	if err != nil {
		return nil, err
	}
	store.pathCache.Add(key, p)
	return p, nil
}
