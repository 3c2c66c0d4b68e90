package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const journalPrefix = "journal:"

// CycleRecord is an append-only audit entry for one cycle. It is never read back to
// restore state.
type CycleRecord struct {
	RunID       string `msgpack:"run_id"`
	Cycle       uint64 `msgpack:"cycle"`
	StartedAtMS int64  `msgpack:"started_at_ms"`
	DurationMS  int64  `msgpack:"duration_ms"`
	Outcome     string `msgpack:"outcome"`
	Reason      string `msgpack:"reason,omitempty"`
	Mid         string `msgpack:"mid,omitempty"`
	SellRatio   string `msgpack:"sell_ratio,omitempty"`
	BuyRatio    string `msgpack:"buy_ratio,omitempty"`
	Placed      int    `msgpack:"placed"`
	Cancelled   int    `msgpack:"cancelled"`
	Failed      int    `msgpack:"failed"`
}

type Journal struct {
	store Store
	runID string

	mu      sync.Mutex
	seq     uint64
	lastKey string
}

func NewJournal(store Store, runID string) *Journal {
	return &Journal{store: store, runID: runID}
}

func JournalKey(runID string, seq uint64) string {
	return fmt.Sprintf("%s%s:%010d", journalPrefix, runID, seq)
}

// Append encodes the record with msgpack and stores it under the next sequence key.
func (j *Journal) Append(ctx context.Context, rec CycleRecord) (string, error) {
	if j == nil || j.store == nil {
		return "", nil
	}
	rec.RunID = j.runID
	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		return "", err
	}
	j.mu.Lock()
	j.seq++
	key := JournalKey(j.runID, j.seq)
	j.mu.Unlock()

	if err := j.store.Set(ctx, key, base64.StdEncoding.EncodeToString(payload)); err != nil {
		return "", err
	}
	j.mu.Lock()
	j.lastKey = key
	j.mu.Unlock()
	return key, nil
}

func (j *Journal) LastKey() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastKey
}

func LoadCycleRecord(ctx context.Context, store Store, key string) (CycleRecord, bool, error) {
	if store == nil {
		return CycleRecord{}, false, nil
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return CycleRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleRecord{}, false, nil
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return CycleRecord{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	var rec CycleRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return CycleRecord{}, false, err
	}
	return rec, true, nil
}
