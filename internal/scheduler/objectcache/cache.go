package objectcache

import (
	"context"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

const (
	objectsTable = "objects"
	idIndex      = "id"    // lookup by class:id
	classIndex   = "class" // all objects of a class
)

// View is read access to stateful objects.
type View interface {
	Get(ref model.ObjectRef) (*model.StatefulObject, bool)
	Filter(class model.Class, predicate func(*model.StatefulObject) bool) []*model.StatefulObject
}

// ObjectStore persists stateful objects.
type ObjectStore interface {
	CreateObject(ctx context.Context, obj *model.StatefulObject) (int64, error)
	UpdateObject(ctx context.Context, obj *model.StatefulObject) error
}

// ChangePublisher is told the table (class name) of every write.
type ChangePublisher interface {
	Bump(table string)
}

type entry struct {
	Key    string
	Class  string
	Object *model.StatefulObject
}

// ObjectCache is the in-memory mirror of all live stateful objects, built on go-memdb so that readers work on
// immutable snapshots while a single writer commits whole objects.
type ObjectCache struct {
	db        *memdb.MemDB
	store     ObjectStore
	publisher ChangePublisher
	// serializes writers so that the store and the cache see writes in the same order
	writeMu sync.Mutex
}

func New(store ObjectStore, publisher ChangePublisher) (*ObjectCache, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ObjectCache{
		db:        db,
		store:     store,
		publisher: publisher,
	}, nil
}

// Load seeds the cache with objects read from the store without writing them back.
// Soft deleted objects are skipped.
func (c *ObjectCache) Load(objects []*model.StatefulObject) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	txn := c.db.Txn(true)
	defer txn.Abort()
	for _, obj := range objects {
		if !obj.NotDeleted {
			continue
		}
		if err := txn.Insert(objectsTable, newEntry(obj)); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// Get returns the current snapshot of the object. The returned object must not be modified.
func (c *ObjectCache) Get(ref model.ObjectRef) (*model.StatefulObject, bool) {
	return get(c.db.Txn(false), ref)
}

// Filter returns the objects of class matching predicate (nil matches all), ordered by id.
// The returned objects must not be modified.
func (c *ObjectCache) Filter(class model.Class, predicate func(*model.StatefulObject) bool) []*model.StatefulObject {
	return filter(c.db.Txn(false), class, predicate)
}

// Snapshot returns a view that sees the cache as it is now for all subsequent reads.
func (c *ObjectCache) Snapshot() View {
	return &snapshot{txn: c.db.Txn(false)}
}

// Create persists a new object, which gets its id from the store, and adds it to the cache.
func (c *ObjectCache) Create(ctx context.Context, obj *model.StatefulObject) (*model.StatefulObject, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	created := obj.DeepCopy()
	created.NotDeleted = true
	id, err := c.store.CreateObject(ctx, created)
	if err != nil {
		return nil, err
	}
	created.Ref.ID = id
	if err := c.commit(created); err != nil {
		return nil, err
	}
	return created, nil
}

// Update replaces the snapshot of an existing object, writing it through to the store first.
// obj must not be modified after being passed in.
func (c *ObjectCache) Update(ctx context.Context, obj *model.StatefulObject) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, ok := c.Get(obj.Ref); !ok {
		return errors.WithStack(&mgrerrors.ErrNotFound{Type: string(obj.Ref.Class), Value: obj.Ref.String()})
	}
	if err := c.store.UpdateObject(ctx, obj); err != nil {
		return err
	}
	return c.commit(obj)
}

// Invalidate soft deletes the object in the store and removes it from the cache.
func (c *ObjectCache) Invalidate(ctx context.Context, ref model.ObjectRef) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	current, ok := c.Get(ref)
	if !ok {
		return nil
	}
	deleted := current.DeepCopy()
	deleted.NotDeleted = false
	if err := c.store.UpdateObject(ctx, deleted); err != nil {
		return err
	}
	txn := c.db.Txn(true)
	defer txn.Abort()
	if err := txn.Delete(objectsTable, newEntry(current)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	c.publish(ref.Class)
	return nil
}

func (c *ObjectCache) commit(obj *model.StatefulObject) error {
	txn := c.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(objectsTable, newEntry(obj)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	c.publish(obj.Ref.Class)
	return nil
}

func (c *ObjectCache) publish(class model.Class) {
	if c.publisher != nil {
		c.publisher.Bump(string(class))
	}
}

type snapshot struct {
	txn *memdb.Txn
}

func (s *snapshot) Get(ref model.ObjectRef) (*model.StatefulObject, bool) {
	return get(s.txn, ref)
}

func (s *snapshot) Filter(class model.Class, predicate func(*model.StatefulObject) bool) []*model.StatefulObject {
	return filter(s.txn, class, predicate)
}

func get(txn *memdb.Txn, ref model.ObjectRef) (*model.StatefulObject, bool) {
	raw, err := txn.First(objectsTable, idIndex, ref.String())
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*entry).Object, true
}

func filter(txn *memdb.Txn, class model.Class, predicate func(*model.StatefulObject) bool) []*model.StatefulObject {
	iter, err := txn.Get(objectsTable, classIndex, string(class))
	if err != nil {
		return nil
	}
	var result []*model.StatefulObject
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		obj := raw.(*entry).Object
		if predicate == nil || predicate(obj) {
			result = append(result, obj)
		}
	}
	slices.SortFunc(result, func(a, b *model.StatefulObject) bool { return a.Ref.ID < b.Ref.ID })
	return result
}

func newEntry(obj *model.StatefulObject) *entry {
	return &entry{Key: obj.Ref.String(), Class: string(obj.Ref.Class), Object: obj}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			objectsTable: {
				Name: objectsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					classIndex: {
						Name:    classIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "Class"},
					},
				},
			},
		},
	}
}
