// Package observer maintains the awareness file: the append-only event log,
// the improvement journal, usefulness counters, and — on behalf of the
// control plane — pending actions and protections. Aggregates are always
// recomputed from the raw blob so the file tolerates hand edits and partial
// history loss at rotation.
package observer

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"contextd/internal/store"
	"contextd/internal/types"
)

// Rotation bounds. When the event log exceeds eventCap it is trimmed to
// eventKeep; aggregate contributions of the discarded events are lost,
// which is acceptable by design.
const (
	eventCap    = 1000
	eventKeep   = 500
	journalCap  = 200
	journalKeep = 100
)

// Observer owns the awareness file.
type Observer struct {
	mu      sync.Mutex
	path    string
	logger  *zap.Logger
	metrics *Metrics
}

// New opens the observer over the awareness file at path. A missing file
// yields empty aggregates.
func New(path string, logger *zap.Logger) *Observer {
	return &Observer{path: path, logger: logger, metrics: sharedMetrics()}
}

// load reads the raw blob. Caller holds the lock. A missing or malformed
// file degrades to an empty blob; awareness data is best-effort by contract.
func (o *Observer) load() *types.Awareness {
	blob := emptyAwareness()
	data, err := os.ReadFile(o.path)
	if err != nil {
		return blob
	}
	if err := json.Unmarshal(data, blob); err != nil {
		o.logger.Warn("awareness file malformed, starting fresh", zap.Error(err))
		return emptyAwareness()
	}
	normalize(blob)
	return blob
}

func emptyAwareness() *types.Awareness {
	return &types.Awareness{
		Events:       []types.Event{},
		Improvements: []types.ImprovementRecord{},
		Usefulness: types.Usefulness{
			Helpful:   map[string]int{},
			Unhelpful: map[string]int{},
		},
		Pending:     []types.PendingAction{},
		Protections: []types.Protection{},
	}
}

func normalize(b *types.Awareness) {
	if b.Events == nil {
		b.Events = []types.Event{}
	}
	if b.Improvements == nil {
		b.Improvements = []types.ImprovementRecord{}
	}
	if b.Usefulness.Helpful == nil {
		b.Usefulness.Helpful = map[string]int{}
	}
	if b.Usefulness.Unhelpful == nil {
		b.Usefulness.Unhelpful = map[string]int{}
	}
	if b.Pending == nil {
		b.Pending = []types.PendingAction{}
	}
	if b.Protections == nil {
		b.Protections = []types.Protection{}
	}
}

// save writes the blob atomically. Caller holds the lock.
func (o *Observer) save(b *types.Awareness) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal awareness: %w", err)
	}
	return store.WriteFileAtomic(o.path, data)
}

// Record appends one event, rotating the log if it exceeds the cap.
// Persistence failures are logged, never surfaced: observation must not
// break the operation being observed.
func (o *Observer) Record(ev types.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b := o.load()
	if ev.Timestamp == "" {
		ev.Timestamp = types.Now()
	}
	b.Events = append(b.Events, ev)
	if len(b.Events) > eventCap {
		b.Events = b.Events[len(b.Events)-eventKeep:]
	}
	if err := o.save(b); err != nil {
		o.logger.Warn("failed to persist event", zap.Error(err))
		return
	}
	o.metrics.eventsTotal.WithLabelValues(ev.Action).Inc()
}

// Rotate trims the event log and journal to their caps. The improver calls
// this at the start of every tick.
func (o *Observer) Rotate() {
	o.mu.Lock()
	defer o.mu.Unlock()

	b := o.load()
	changed := false
	if len(b.Events) > eventCap {
		b.Events = b.Events[len(b.Events)-eventKeep:]
		changed = true
	}
	if len(b.Improvements) > journalCap {
		b.Improvements = b.Improvements[len(b.Improvements)-journalKeep:]
		changed = true
	}
	if changed {
		if err := o.save(b); err != nil {
			o.logger.Warn("failed to persist rotation", zap.Error(err))
		}
	}
}

// Summary recomputes the running aggregate from the full event list.
func (o *Observer) Summary() types.Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return summarize(o.load())
}

func summarize(b *types.Awareness) types.Summary {
	s := types.Summary{
		MissedQueries: map[string]int{},
		ReadsByType:   map[string]int{},
		WritesByType:  map[string]int{},
	}
	for _, ev := range b.Events {
		switch ev.Action {
		case types.EventRead:
			s.TotalReads++
			if ev.TypeName != "" {
				s.ReadsByType[ev.TypeName]++
			}
		case types.EventWrite, types.EventUpdate, types.EventArchive, types.EventDelete:
			s.TotalWrites++
			if ev.TypeName != "" {
				s.WritesByType[ev.TypeName]++
			}
		case types.EventMiss:
			s.TotalMisses++
			// A miss without a query counts toward the total only.
			if ev.Query != "" {
				s.MissedQueries[ev.Query]++
			}
		}
		if ev.Timestamp > s.LastActivity {
			s.LastActivity = ev.Timestamp
		}
	}
	return s
}

// MissedQueries returns the unique missed queries and their counts.
func (o *Observer) MissedQueries() map[string]int {
	return o.Summary().MissedQueries
}

// ReadIDs returns the set of entry IDs that appear in any read event.
// The improver uses this to find entries that are never read.
func (o *Observer) ReadIDs() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := map[string]bool{}
	for _, ev := range o.load().Events {
		if ev.Action != types.EventRead {
			continue
		}
		for _, id := range ev.EntryIDs {
			out[id] = true
		}
	}
	return out
}

// RecordImprovement appends one journal record, rotating past the cap.
func (o *Observer) RecordImprovement(rec types.ImprovementRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b := o.load()
	if rec.Timestamp == "" {
		rec.Timestamp = types.Now()
	}
	b.Improvements = append(b.Improvements, rec)
	if len(b.Improvements) > journalCap {
		b.Improvements = b.Improvements[len(b.Improvements)-journalKeep:]
	}
	if err := o.save(b); err != nil {
		o.logger.Warn("failed to persist improvement record", zap.Error(err))
		return
	}
	o.metrics.improvementsTotal.Inc()
}

// ImprovementsSince returns journal records at or after the cutoff
// timestamp. An empty cutoff returns everything.
func (o *Observer) ImprovementsSince(cutoff string) []types.ImprovementRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []types.ImprovementRecord
	for _, rec := range o.load().Improvements {
		if cutoff == "" || rec.Timestamp >= cutoff {
			out = append(out, rec)
		}
	}
	return out
}

// RecordUsefulness bumps the helpful or unhelpful counter for an entry.
func (o *Observer) RecordUsefulness(entryID string, helpful bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b := o.load()
	if helpful {
		b.Usefulness.Helpful[entryID]++
	} else {
		b.Usefulness.Unhelpful[entryID]++
	}
	if err := o.save(b); err != nil {
		o.logger.Warn("failed to persist usefulness", zap.Error(err))
	}
}

// Mutate runs fn against the raw blob inside the critical section and
// persists the result. The control plane extends the awareness file with
// pending actions and protections through this single entry point, which
// keeps the load-modify-save window airtight.
func (o *Observer) Mutate(fn func(b *types.Awareness) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	b := o.load()
	if err := fn(b); err != nil {
		return err
	}
	pending := 0
	for _, p := range b.Pending {
		if p.Status == types.StatusPending {
			pending++
		}
	}
	o.metrics.pendingGauge.Set(float64(pending))
	return o.save(b)
}

// Snapshot returns a deep-enough copy of the raw blob for read-only use.
func (o *Observer) Snapshot() types.Awareness {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.load()
}
