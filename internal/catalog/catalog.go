// Package catalog is the persistent database catalog the cleaner resolves
// DB metadata from: one record per database id, carrying the stable flags
// the Classifier needs (name, duplicates, internal, immediately-obsolete
// LNs) and the deleting/deleted lifecycle bits the migrators double-check.
//
// It is backed by BadgerDB with prefixed keys and JSON values. In the full
// store this catalog lives in the DBTREE internal database inside the log
// itself; standing it on an embedded KV engine keeps the same read/write
// semantics without dragging the whole Btree in.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/dittodb/cleaner/internal/collab"
)

const prefixDB = "db:"

func keyDB(dbID uint32) []byte {
	key := make([]byte, len(prefixDB)+4)
	copy(key, prefixDB)
	binary.BigEndian.PutUint32(key[len(prefixDB):], dbID)
	return key
}

// record is the stored form of one database's metadata.
type record struct {
	DBID                   uint32 `json:"db_id"`
	Name                   string `json:"name"`
	DupSort                bool   `json:"dup_sort,omitempty"`
	Internal               bool   `json:"internal,omitempty"`
	ImmediatelyObsoleteLNs bool   `json:"immediately_obsolete_lns,omitempty"`
	Deleting               bool   `json:"deleting,omitempty"`
	Deleted                bool   `json:"deleted,omitempty"`
}

func (r record) info() collab.DBInfo {
	return collab.DBInfo{
		DBID:                   r.DBID,
		Name:                   r.Name,
		DupSort:                r.DupSort,
		Internal:               r.Internal,
		ImmediatelyObsoleteLNs: r.ImmediatelyObsoleteLNs,
		Deleting:               r.Deleting,
		Deleted:                r.Deleted,
	}
}

// Catalog is a Badger-backed collab.DBResolver.
type Catalog struct {
	db *badger.DB
}

// Open opens (or creates) a catalog at dir. An empty dir opens an in-memory
// catalog, which tests use.
func Open(dir string) (*Catalog, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying store.
func (c *Catalog) Close() error { return c.db.Close() }

// Put creates or replaces a database record.
func (c *Catalog) Put(info collab.DBInfo) error {
	rec := record{
		DBID:                   info.DBID,
		Name:                   info.Name,
		DupSort:                info.DupSort,
		Internal:               info.Internal,
		ImmediatelyObsoleteLNs: info.ImmediatelyObsoleteLNs,
		Deleting:               info.Deleting,
		Deleted:                info.Deleted,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode db record: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyDB(info.DBID), val)
	})
}

// MarkDeleting flips the deleting flag: the database removal has begun but
// not committed. The cleaner treats its entries as obsolete from here on.
func (c *Catalog) MarkDeleting(dbID uint32) error {
	return c.mutate(dbID, func(r *record) { r.Deleting = true })
}

// MarkDeleted flips the deleted flag once the removal commits.
func (c *Catalog) MarkDeleted(dbID uint32) error {
	return c.mutate(dbID, func(r *record) { r.Deleting = false; r.Deleted = true })
}

func (c *Catalog) mutate(dbID uint32, fn func(*record)) error {
	return c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyDB(dbID))
		if err != nil {
			return fmt.Errorf("load db %d: %w", dbID, err)
		}
		var rec record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		fn(&rec)
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(keyDB(dbID), val)
	})
}

// GetDBInfo implements collab.DBResolver. An id with no record resolves to a
// deleted database: the catalog entry was removed, so every log entry still
// naming that id is garbage.
func (c *Catalog) GetDBInfo(dbID uint32) (collab.DBInfo, error) {
	var rec record
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyDB(dbID))
		if err == badger.ErrKeyNotFound {
			rec = record{DBID: dbID, Deleted: true}
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return collab.DBInfo{}, err
	}
	return rec.info(), nil
}

var _ collab.DBResolver = (*Catalog)(nil)
