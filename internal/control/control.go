// Package control gates improvement actions behind risk policy: low-risk
// actions may auto-execute, everything else queues for human approval.
// Dismissals teach the plane standing protections so the same proposal does
// not come back.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"contextd/internal/observer"
	"contextd/internal/types"
)

// ErrActionNotFound marks lookups of queue IDs that do not exist, so
// transports can answer with a missing-resource status instead of a failure.
var ErrActionNotFound = errors.New("pending action not found")

// dismissalThreshold is how many same-kind dismissals sharing a type scope
// it takes before the plane stops proposing that kind for the type entirely.
const dismissalThreshold = 3

// riskTable is fixed. Risk classifies what the action can destroy, not how
// likely it is to be wrong.
var riskTable = map[types.ActionKind]types.RiskLevel{
	types.ActionAutoTag:              types.RiskLow,
	types.ActionCreateGapStubs:       types.RiskLow,
	types.ActionSuggestSchema:        types.RiskLow,
	types.ActionMergeDuplicates:      types.RiskMedium,
	types.ActionPromoteToType:        types.RiskMedium,
	types.ActionArchiveStale:         types.RiskHigh,
	types.ActionResolveContradiction: types.RiskHigh,
}

// Executor runs an approved action against the store. Implemented by the
// improver; declared here so control does not import it.
type Executor interface {
	Execute(ctx context.Context, a types.Action) (int, error)
}

// Policy holds the approval flags and pending-action lifetime.
type Policy struct {
	AutoApproveLow    bool
	AutoApproveMedium bool
	AutoApproveHigh   bool
	PendingTTL        time.Duration
}

// Plane is the approval gate. All of its state lives in the awareness file;
// the Plane itself is stateless apart from configuration.
type Plane struct {
	obs    *observer.Observer
	exec   Executor
	policy Policy
	logger *zap.Logger
}

// New builds a control plane. The executor is attached separately because
// the improver that implements it is constructed after the plane.
func New(obs *observer.Observer, policy Policy, logger *zap.Logger) *Plane {
	if policy.PendingTTL <= 0 {
		policy.PendingTTL = 7 * 24 * time.Hour
	}
	return &Plane{obs: obs, policy: policy, logger: logger}
}

// SetExecutor attaches the executor used by Approve.
func (p *Plane) SetExecutor(exec Executor) { p.exec = exec }

// Risk returns the fixed risk level for an action kind.
func (p *Plane) Risk(kind types.ActionKind) types.RiskLevel {
	if r, ok := riskTable[kind]; ok {
		return r
	}
	return types.RiskHigh
}

// AutoApproves reports whether policy lets actions of this kind run without
// a human in the loop.
func (p *Plane) AutoApproves(kind types.ActionKind) bool {
	switch p.Risk(kind) {
	case types.RiskLow:
		return p.policy.AutoApproveLow
	case types.RiskMedium:
		return p.policy.AutoApproveMedium
	default:
		return p.policy.AutoApproveHigh
	}
}

// =============================================================================
// QUEUE
// =============================================================================

// Enqueue queues an action for approval. A still-pending action of the same
// kind whose targets overlap the new one is returned instead of duplicated,
// so a rescan that widens a candidate set does not stack a second approval.
func (p *Plane) Enqueue(a types.Action, description, reasoning string, preview map[string]any) (*types.PendingAction, error) {
	var out *types.PendingAction
	err := p.obs.Mutate(func(b *types.Awareness) error {
		if existing := findDuplicate(b.Pending, a); existing != nil {
			out = existing
			return nil
		}
		now := time.Now()
		pa := types.PendingAction{
			ID:          uuid.New().String(),
			CreatedAt:   now.UTC().Format(types.TimeFormat),
			ExpiresAt:   now.Add(p.policy.PendingTTL).UTC().Format(types.TimeFormat),
			Action:      a,
			Risk:        p.Risk(a.Kind),
			Description: description,
			Reasoning:   reasoning,
			Preview:     preview,
			Status:      types.StatusPending,
		}
		b.Pending = append(b.Pending, pa)
		out = &pa
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func findDuplicate(pending []types.PendingAction, a types.Action) *types.PendingAction {
	for i := range pending {
		if pending[i].Status != types.StatusPending || pending[i].Action.Kind != a.Kind {
			continue
		}
		if overlaps(pending[i].Action, a) {
			return &pending[i]
		}
	}
	return nil
}

// overlaps reports whether two same-kind actions share any target entry or
// query. Actions with no targets and no queries at all, like a schema
// suggestion pass, are singletons per kind and always collide.
func overlaps(a, b types.Action) bool {
	seen := map[string]bool{}
	for _, t := range a.Targets() {
		seen["t|"+t] = true
	}
	for _, q := range a.Queries {
		seen["q|"+q] = true
	}
	if len(seen) == 0 {
		return len(b.Targets()) == 0 && len(b.Queries) == 0
	}
	for _, t := range b.Targets() {
		if seen["t|"+t] {
			return true
		}
	}
	for _, q := range b.Queries {
		if seen["q|"+q] {
			return true
		}
	}
	return false
}

// Pending returns the queue after sweeping expirations. Includes resolved
// actions so callers can show history; filter on Status for the live queue.
func (p *Plane) Pending() ([]types.PendingAction, error) {
	if err := p.ExpirePending(); err != nil {
		return nil, err
	}
	var out []types.PendingAction
	err := p.obs.Mutate(func(b *types.Awareness) error {
		out = append(out, b.Pending...)
		return nil
	})
	return out, err
}

// ExpirePending marks pending actions past their deadline as expired.
func (p *Plane) ExpirePending() error {
	now := types.Now()
	return p.obs.Mutate(func(b *types.Awareness) error {
		for i := range b.Pending {
			if b.Pending[i].Status == types.StatusPending && b.Pending[i].ExpiresAt < now {
				b.Pending[i].Status = types.StatusExpired
			}
		}
		return nil
	})
}

// =============================================================================
// APPROVE AND DISMISS
// =============================================================================

// ApproveResult reports what an approval did.
type ApproveResult struct {
	Executed bool   `json:"executed"`
	Count    int    `json:"count"`
	Message  string `json:"message"`
}

// Approve executes a pending action. Only actions still in the pending state
// execute; anything else reports its current state without erroring, since
// the caller may simply hold a stale view of the queue.
func (p *Plane) Approve(ctx context.Context, id string) (*ApproveResult, error) {
	var action types.Action
	claimed := false
	status := types.PendingStatus("")
	err := p.obs.Mutate(func(b *types.Awareness) error {
		for i := range b.Pending {
			if b.Pending[i].ID != id {
				continue
			}
			status = b.Pending[i].Status
			if status != types.StatusPending {
				return nil
			}
			if b.Pending[i].ExpiresAt < types.Now() {
				b.Pending[i].Status = types.StatusExpired
				status = types.StatusExpired
				return nil
			}
			b.Pending[i].Status = types.StatusApproved
			action = b.Pending[i].Action
			claimed = true
			return nil
		}
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &ApproveResult{Message: fmt.Sprintf("action is %s, nothing to do", status)}, nil
	}
	if p.exec == nil {
		return nil, fmt.Errorf("no executor attached")
	}

	count, execErr := p.exec.Execute(ctx, action)
	if execErr != nil {
		p.logger.Warn("approved action failed",
			zap.String("id", id), zap.String("kind", string(action.Kind)), zap.Error(execErr))
		return nil, fmt.Errorf("failed to execute %s: %w", action.Kind, execErr)
	}

	p.obs.RecordImprovement(types.ImprovementRecord{
		Actions:      []types.ActionCount{{Type: action.Kind, Count: count}},
		AutoExecuted: false,
	})
	p.obs.CountAction(string(action.Kind))
	p.logger.Info("pending action approved and executed",
		zap.String("id", id), zap.String("kind", string(action.Kind)), zap.Int("count", count))
	return &ApproveResult{Executed: true, Count: count,
		Message: fmt.Sprintf("executed %s on %d target(s)", action.Kind, count)}, nil
}

// Dismiss rejects a pending action, recording the reason and learning
// protections: every targeted entry is protected against this kind, and
// three dismissals of one kind within the same type scope protect the whole
// type.
func (p *Plane) Dismiss(id, reason string) error {
	return p.obs.Mutate(func(b *types.Awareness) error {
		var pa *types.PendingAction
		for i := range b.Pending {
			if b.Pending[i].ID == id {
				pa = &b.Pending[i]
				break
			}
		}
		if pa == nil {
			return fmt.Errorf("%w: %s", ErrActionNotFound, id)
		}
		if pa.Status != types.StatusPending {
			return nil
		}
		pa.Status = types.StatusDismissed
		pa.DismissReason = reason

		now := types.Now()
		for _, target := range pa.Action.Targets() {
			if protectionExists(b.Protections, target, pa.Action.Kind) {
				continue
			}
			b.Protections = append(b.Protections, types.Protection{
				EntryID:   target,
				Actions:   []types.ActionKind{pa.Action.Kind},
				Reason:    reason,
				CreatedAt: now,
			})
		}

		// Repeated dismissals of the same kind over one type teach a
		// broader rule: stop proposing this kind for the type at all.
		if t := pa.Action.TypeName; t != "" {
			dismissed := 0
			for _, other := range b.Pending {
				if other.Status == types.StatusDismissed &&
					other.Action.Kind == pa.Action.Kind &&
					other.Action.TypeName == t {
					dismissed++
				}
			}
			if dismissed >= dismissalThreshold && !scopeProtectionExists(b.Protections, t, pa.Action.Kind) {
				b.Protections = append(b.Protections, types.Protection{
					Scope:     map[string]string{"typeName": t},
					Actions:   []types.ActionKind{pa.Action.Kind},
					Reason:    fmt.Sprintf("dismissed %d times for type %q", dismissed, t),
					CreatedAt: now,
				})
				p.logger.Info("learned type-scope protection",
					zap.String("typeName", t), zap.String("kind", string(pa.Action.Kind)))
			}
		}
		return nil
	})
}

func protectionExists(prots []types.Protection, entryID string, kind types.ActionKind) bool {
	for _, pr := range prots {
		if pr.EntryID == entryID && pr.BlocksKind(kind) {
			return true
		}
	}
	return false
}

func scopeProtectionExists(prots []types.Protection, typeName string, kind types.ActionKind) bool {
	for _, pr := range prots {
		if pr.Scope["typeName"] == typeName && pr.BlocksKind(kind) {
			return true
		}
	}
	return false
}

// =============================================================================
// PROTECTION CHECKS
// =============================================================================

// Protections returns the current protection list.
func (p *Plane) Protections() ([]types.Protection, error) {
	var out []types.Protection
	err := p.obs.Mutate(func(b *types.Awareness) error {
		out = append(out, b.Protections...)
		return nil
	})
	return out, err
}

// Blocked reports whether any protection blocks the action: an entry-level
// protection on one of its targets, or a type-scope protection matching the
// action's type.
func Blocked(prots []types.Protection, a types.Action) bool {
	for _, target := range a.Targets() {
		if protectionExists(prots, target, a.Kind) {
			return true
		}
	}
	if a.TypeName != "" && scopeProtectionExists(prots, a.TypeName, a.Kind) {
		return true
	}
	return false
}
