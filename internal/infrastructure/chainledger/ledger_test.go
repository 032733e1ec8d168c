package chainledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(key, hash, ref string) *entry {
	return &entry{
		TxHash:         hash,
		IdempotencyKey: key,
		Ref:            ref,
		Operation:      "ISSUE",
		PayloadHash:    "ph-" + hash,
		RecordedAt:     time.Now().UTC(),
	}
}

func TestLedger_ApplyDeduplicates(t *testing.T) {
	l := NewLedger()

	first := l.apply(testEntry("k1", "h1", "inst-a"))
	assert.Equal(t, "h1", first.TxHash)

	// a second submit under the same key keeps the original record
	dup := l.apply(testEntry("k1", "h2", "inst-a"))
	assert.Equal(t, "h1", dup.TxHash)

	assert.Nil(t, l.lookupHash("h2"))
	require.NotNil(t, l.lookupKey("k1"))
	assert.Len(t, l.history("inst-a"), 1)
}

func TestLedger_HistoryOrder(t *testing.T) {
	l := NewLedger()
	l.apply(testEntry("k1", "h1", "inst-a"))
	l.apply(testEntry("k2", "h2", "inst-a"))
	l.apply(testEntry("k3", "h3", "inst-b"))

	hist := l.history("inst-a")
	require.Len(t, hist, 2)
	assert.Equal(t, "h1", hist[0].TxHash)
	assert.Equal(t, "h2", hist[1].TxHash)

	assert.Empty(t, l.history("inst-c"))
}

func TestLedger_SnapshotRoundTrip(t *testing.T) {
	l := NewLedger()
	l.apply(testEntry("k1", "h1", "inst-a"))
	l.apply(testEntry("k2", "h2", "inst-a"))
	l.apply(testEntry("k3", "h3", "inst-b"))

	data, err := l.Marshal()
	require.NoError(t, err)

	restored := NewLedger()
	require.NoError(t, restored.Unmarshal(data))

	assert.NotNil(t, restored.lookupHash("h1"))
	assert.NotNil(t, restored.lookupKey("k3"))
	assert.Len(t, restored.history("inst-a"), 2)

	// restored dedup still holds
	dup := restored.apply(testEntry("k1", "h9", "inst-a"))
	assert.Equal(t, "h1", dup.TxHash)
}

func TestEntry_Record(t *testing.T) {
	e := testEntry("k1", "h1", "inst-a")
	rec := e.record()
	assert.Equal(t, "h1", rec.TxHash)
	assert.Equal(t, "inst-a", rec.Ref)
	assert.Equal(t, "CONFIRMED", string(rec.Status))
}
