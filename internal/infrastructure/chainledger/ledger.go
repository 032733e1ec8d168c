// Package chainledger is an embedded development ledger standing behind the
// chain.Gateway interface: a raft-replicated append-only transaction log
// with idempotency-key deduplication. Production deployments point the
// gateway at a real chain endpoint instead.
package chainledger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/chain"
)

// entry is one replicated ledger command.
type entry struct {
	TxHash         string    `json:"txHash"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Ref            string    `json:"ref"`
	Operation      string    `json:"operation"`
	PayloadHash    string    `json:"payloadHash"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Ledger is the deterministic state shared by all nodes: transactions by
// hash, by idempotency key, and per-reference history in apply order.
type Ledger struct {
	mu     sync.RWMutex
	byHash map[string]*entry
	byKey  map[string]*entry
	byRef  map[string][]*entry
}

func NewLedger() *Ledger {
	return &Ledger{
		byHash: make(map[string]*entry),
		byKey:  make(map[string]*entry),
		byRef:  make(map[string][]*entry),
	}
}

// apply appends the entry; a duplicate idempotency key keeps the original
// record so a repeated submit never doubles the economic effect. Returns the
// entry that ended up owning the key.
func (l *Ledger) apply(e *entry) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.byKey[e.IdempotencyKey]; ok {
		return existing
	}
	l.byKey[e.IdempotencyKey] = e
	l.byHash[e.TxHash] = e
	l.byRef[e.Ref] = append(l.byRef[e.Ref], e)
	return e
}

func (l *Ledger) lookupHash(txHash string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byHash[txHash]
}

func (l *Ledger) lookupKey(key string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byKey[key]
}

func (l *Ledger) history(ref string) []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*entry, len(l.byRef[ref]))
	copy(out, l.byRef[ref])
	return out
}

// Marshal serializes the full ledger state for raft snapshots.
func (l *Ledger) Marshal() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ordered := make([]*entry, 0, len(l.byHash))
	for _, entries := range l.byRef {
		ordered = append(ordered, entries...)
	}
	return json.Marshal(ordered)
}

// Unmarshal replaces the ledger state from a snapshot.
func (l *Ledger) Unmarshal(data []byte) error {
	var entries []*entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byHash = make(map[string]*entry, len(entries))
	l.byKey = make(map[string]*entry, len(entries))
	l.byRef = make(map[string][]*entry)
	for _, e := range entries {
		l.byHash[e.TxHash] = e
		l.byKey[e.IdempotencyKey] = e
		l.byRef[e.Ref] = append(l.byRef[e.Ref], e)
	}
	return nil
}

func (e *entry) record() *chain.TxRecord {
	return &chain.TxRecord{
		TxHash:         e.TxHash,
		IdempotencyKey: e.IdempotencyKey,
		Ref:            e.Ref,
		Operation:      e.Operation,
		PayloadHash:    e.PayloadHash,
		Status:         chain.TxConfirmed,
		RecordedAt:     e.RecordedAt,
	}
}
