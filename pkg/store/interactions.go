// Package store is the optional durable-history sink. The in-memory
// registries stay authoritative; a write failure here is logged as a
// warning and the interaction is dropped.
package store

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/valyala/bytebufferpool"

	"chatstate/pkg/logger"
	"chatstate/pkg/models"
	"chatstate/pkg/telemetry"
)

// Recorder appends interaction records to a Pebble database under
// sortable time-ordered keys. Implements the registries' Recorder
// contract.
type Recorder struct {
	db *pebble.DB

	// seq reduces key collisions when records share a nanosecond.
	seq uint64
}

// Open opens (or creates) the Pebble database at path.
func Open(path string) (*Recorder, error) {
	logger.Info("opening_interaction_store", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("interaction_store_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("interaction_store_opened", "path", path)
	return &Recorder{db: db}, nil
}

// Record appends one interaction. Best-effort: failures are counted
// and logged, never returned, so the mutation path that produced the
// record is unaffected.
func (r *Recorder) Record(it models.Interaction) {
	if r == nil || r.db == nil {
		return
	}
	// Key format: interaction:<kind>:<unix_nano_padded>-<seq>
	s := atomic.AddUint64(&r.seq, 1)
	key := fmt.Sprintf("interaction:%s:%020d-%06d", it.Kind, it.TS.UTC().UnixNano(), s)

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(it); err != nil {
		telemetry.Interactions.WithLabelValues("failed").Inc()
		logger.Warn("interaction_encode_failed", "kind", it.Kind, "error", err)
		return
	}
	if err := r.db.Set([]byte(key), buf.Bytes(), pebble.NoSync); err != nil {
		telemetry.Interactions.WithLabelValues("failed").Inc()
		logger.Warn("interaction_write_failed", "key", key, "error", err)
		return
	}
	telemetry.Interactions.WithLabelValues("recorded").Inc()
}

// List returns up to limit interactions of one kind in time order.
// A zero limit returns everything.
func (r *Recorder) List(kind string, limit int) ([]models.Interaction, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("interaction store not opened")
	}
	prefix := []byte("interaction:" + kind + ":")
	upper := append(append([]byte(nil), prefix...), 0xff)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Interaction
	for iter.First(); iter.Valid(); iter.Next() {
		var it models.Interaction
		if err := json.Unmarshal(iter.Value(), &it); err != nil {
			logger.Warn("interaction_decode_failed", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	if err != nil {
		return err
	}
	logger.Info("interaction_store_closed")
	return nil
}
