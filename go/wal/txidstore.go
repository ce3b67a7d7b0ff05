package wal

import (
	"sync/atomic"

	"github.com/quarrydb/quarry/go/kernel"
)

// TxIDStore is the monotonic commit clock: a cheap, lock-free snapshot of the
// highest transaction whose commit record is both written and closed in the
// log, together with the log position of that record.
type TxIDStore interface {
	LastClosedTransaction() (kernel.TransactionID, Position)
}

// closedTx pairs a transaction with the log position of its commit record,
// published as a unit so readers never observe a torn pair.
type closedTx struct {
	tx  kernel.TransactionID
	pos Position
}

// MetadataStore tracks the last closed transaction. Writers advance it as
// commits close; readers snapshot it without locks.
type MetadataStore struct {
	last atomic.Pointer[closedTx]
}

// NewMetadataStore returns a store seeded with the given base transaction,
// typically recovered from the last checkpoint record at startup.
func NewMetadataStore(base kernel.TransactionID, pos Position) *MetadataStore {
	var s = new(MetadataStore)
	s.last.Store(&closedTx{tx: base, pos: pos})
	return s
}

// LastClosedTransaction returns the current snapshot.
func (s *MetadataStore) LastClosedTransaction() (kernel.TransactionID, Position) {
	var c = s.last.Load()
	return c.tx, c.pos
}

// TransactionClosed advances the snapshot to the given transaction. Out of
// order calls are tolerated: an older transaction never regresses the clock.
func (s *MetadataStore) TransactionClosed(tx kernel.TransactionID, pos Position) {
	var next = &closedTx{tx: tx, pos: pos}
	for {
		var cur = s.last.Load()
		if tx.ID <= cur.tx.ID {
			return
		}
		if s.last.CompareAndSwap(cur, next) {
			return
		}
	}
}
