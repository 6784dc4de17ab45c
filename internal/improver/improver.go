// Package improver runs the self-improvement loop: scan the store and the
// awareness data for candidate actions, execute what policy allows, and
// queue the rest for approval.
package improver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contextd/internal/analyzer"
	"contextd/internal/control"
	"contextd/internal/observer"
	"contextd/internal/store"
	"contextd/internal/types"
)

// Scan thresholds.
const (
	untaggedThreshold   = 3
	untypedThreshold    = 5
	missThreshold       = 3
	duplicateSimilarity = 0.8
	keywordOverlapMin   = 2
	staleAge            = 180 * 24 * time.Hour
)

// Invalidator is notified after a tick mutates the store so cached views
// can be rebuilt. Implemented by the self-model builder.
type Invalidator interface {
	Invalidate()
}

// candidate is one proposed action with its human-facing framing.
type candidate struct {
	action      types.Action
	description string
	reasoning   string
	preview     map[string]any
}

// Improver scans for and executes improvement actions.
type Improver struct {
	store    *store.Store
	catalog  func() *types.Catalog
	obs      *observer.Observer
	analyzer *analyzer.Analyzer
	plane    *control.Plane
	cache    Invalidator
	budget   time.Duration
	logger   *zap.Logger
}

// New builds an improver and attaches it to the plane as its executor.
func New(s *store.Store, catalog func() *types.Catalog, obs *observer.Observer, an *analyzer.Analyzer, plane *control.Plane, cache Invalidator, budget time.Duration, logger *zap.Logger) *Improver {
	if catalog == nil {
		catalog = func() *types.Catalog { return nil }
	}
	if budget <= 0 {
		budget = 30 * time.Second
	}
	imp := &Improver{
		store:    s,
		catalog:  catalog,
		obs:      obs,
		analyzer: an,
		plane:    plane,
		cache:    cache,
		budget:   budget,
		logger:   logger,
	}
	plane.SetExecutor(imp)
	return imp
}

// =============================================================================
// TICK
// =============================================================================

// Tick runs one improvement pass under the time budget: rotate awareness,
// expire the queue, scan for candidates, then execute or enqueue each one
// according to policy. Individual failures are logged and skipped so one bad
// candidate cannot starve the rest.
func (imp *Improver) Tick(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, imp.budget)
	defer cancel()

	imp.obs.Rotate()
	if err := imp.plane.ExpirePending(); err != nil {
		imp.logger.Warn("failed to expire pending actions", zap.Error(err))
	}

	prots, err := imp.plane.Protections()
	if err != nil {
		return fmt.Errorf("failed to load protections: %w", err)
	}
	candidates, err := imp.scan(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	var executed []types.ActionCount
	for _, c := range candidates {
		if ctx.Err() != nil {
			imp.logger.Info("tick budget exhausted", zap.Int("remaining", len(candidates)))
			break
		}
		if control.Blocked(prots, c.action) {
			continue
		}
		if !imp.plane.AutoApproves(c.action.Kind) {
			if _, err := imp.plane.Enqueue(c.action, c.description, c.reasoning, c.preview); err != nil {
				imp.logger.Warn("failed to enqueue action",
					zap.String("kind", string(c.action.Kind)), zap.Error(err))
			}
			continue
		}
		count, err := imp.Execute(ctx, c.action)
		if err != nil {
			imp.logger.Warn("auto-executed action failed",
				zap.String("kind", string(c.action.Kind)), zap.Error(err))
			continue
		}
		executed = append(executed, types.ActionCount{Type: c.action.Kind, Count: count})
		imp.obs.CountAction(string(c.action.Kind))
	}

	if len(executed) > 0 {
		imp.obs.RecordImprovement(types.ImprovementRecord{Actions: executed, AutoExecuted: true})
	}
	imp.obs.CountTick()
	if imp.cache != nil {
		imp.cache.Invalidate()
	}
	imp.logger.Info("improvement tick complete",
		zap.Int("candidates", len(candidates)), zap.Int("executed", len(executed)))
	return nil
}

// scan runs every detector and collects candidates in a stable order. It
// reads through the unobserved snapshot: a scan is not an agent read, and
// counting it as one would mark every entry read and kill the stale signal.
func (imp *Improver) scan(ctx context.Context) ([]candidate, error) {
	entries, err := imp.activeEntries()
	if err != nil {
		return nil, err
	}
	cat := imp.catalog()
	summary := imp.obs.Summary()

	var out []candidate
	out = append(out, imp.scanAutoTag(entries)...)
	out = append(out, imp.scanMergeDuplicates(entries)...)
	out = append(out, imp.scanPromoteToType(entries, cat)...)
	out = append(out, imp.scanArchiveStale(entries)...)
	out = append(out, imp.scanGapStubs(entries, summary)...)
	out = append(out, imp.scanResolveContradictions(entries)...)
	out = append(out, imp.scanSuggestSchema(ctx, entries)...)
	return out, nil
}

// activeEntries loads the active entry set without recording a read event.
func (imp *Improver) activeEntries() ([]types.Entry, error) {
	all, _, err := imp.store.Snapshot()
	if err != nil {
		return nil, err
	}
	var out []types.Entry
	for _, e := range all {
		if !e.Archived {
			out = append(out, e)
		}
	}
	return out, nil
}
