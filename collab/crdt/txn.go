package crdt

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"diagramsync/collab/common"
)

type opKey struct {
	collection string
	key        string
}

// Txn collects the writes of one transaction. Reads observe the
// transaction's own writes on top of the committed state.
type Txn struct {
	doc    *Document
	writes map[opKey]Op
	order  []opKey
}

func newTxn(d *Document) *Txn {
	return &Txn{doc: d, writes: make(map[opKey]Op)}
}

// Get returns the value of key as seen by the transaction.
func (tx *Txn) Get(collection, key string) (json.RawMessage, bool) {
	if op, ok := tx.writes[opKey{collection, key}]; ok {
		if op.Deleted {
			return nil, false
		}
		return op.Value, true
	}
	return tx.doc.getLocked(collection, key)
}

// Has reports whether key holds a live value as seen by the transaction.
func (tx *Txn) Has(collection, key string) bool {
	_, ok := tx.Get(collection, key)
	return ok
}

// Stamp returns the timestamp of the committed register for key, including
// tombstones. Writes of the running transaction are not reflected.
func (tx *Txn) Stamp(collection, key string) (common.LogicalTimestamp, bool) {
	rec := tx.doc.recordLocked(collection, key)
	if rec == nil {
		return common.LogicalTimestamp{}, false
	}
	return rec.stamp, true
}

// Set stores the JSON encoding of value under key.
func (tx *Txn) Set(collection, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s/%s", collection, key)
	}
	return tx.SetRaw(collection, key, data)
}

// SetRaw stores an already encoded JSON value under key.
func (tx *Txn) SetRaw(collection, key string, value json.RawMessage) error {
	if collection == "" || key == "" {
		return common.ErrInvalidOperation{Message: "collection and key are required"}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return errors.Wrapf(err, "invalid JSON for %s/%s", collection, key)
	}
	tx.put(Op{Collection: collection, Key: key, Value: buf.Bytes()})
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (tx *Txn) Delete(collection, key string) {
	tx.put(Op{Collection: collection, Key: key, Deleted: true})
}

// Values returns the live entries of a collection as seen by the
// transaction, ordered by key. Entries written by the transaction carry a
// zero stamp.
func (tx *Txn) Values(collection string) []Entry {
	committed := tx.doc.valuesLocked(collection)
	if len(tx.writes) == 0 {
		return committed
	}

	merged := make(map[string]Entry, len(committed))
	for _, e := range committed {
		merged[e.Key] = e
	}
	for k, op := range tx.writes {
		if k.collection != collection {
			continue
		}
		if op.Deleted {
			delete(merged, k.key)
			continue
		}
		merged[k.key] = Entry{Key: k.key, Value: op.Value}
	}

	entries := make([]Entry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Keys returns the live keys of a collection as seen by the transaction.
func (tx *Txn) Keys(collection string) []string {
	entries := tx.Values(collection)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

func (tx *Txn) put(op Op) {
	k := opKey{op.Collection, op.Key}
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = op
}

// effectiveOps drops writes that would not change the committed state:
// deletes of missing keys and sets of an identical value.
func (tx *Txn) effectiveOps() []Op {
	ops := make([]Op, 0, len(tx.order))
	for _, k := range tx.order {
		op := tx.writes[k]
		cur, live := tx.doc.getLocked(k.collection, k.key)
		if op.Deleted && !live {
			continue
		}
		if !op.Deleted && live && bytes.Equal(cur, op.Value) {
			continue
		}
		ops = append(ops, op)
	}
	return ops
}
