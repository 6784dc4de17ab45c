// Package types provides shared type definitions used across contextd packages.
// This package exists to break import cycles between store, observer, improver,
// and control. Types in this package are foundational data structures with no
// complex dependencies.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeFormat is the timestamp layout used in both persisted files.
// RFC 3339 keeps the files hand-editable and sortable as strings.
const TimeFormat = time.RFC3339

// Now returns the current time formatted for persistence.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// ParseTime parses a persisted timestamp. The zero time is returned for
// empty or malformed values so age math degrades instead of failing.
func ParseTime(s string) time.Time {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// =============================================================================
// CONTEXT ENTRIES AND GROUPS
// =============================================================================

// Entry is a single piece of context stored on the user's behalf.
// TypeName and GroupID are weak references: the catalog type or group they
// name may have been removed since the entry was written.
type Entry struct {
	ID        string                `json:"id"`
	Content   string                `json:"content"`
	Tags      []string              `json:"tags"`
	Source    string                `json:"source,omitempty"`
	GroupID   string                `json:"bubbleId,omitempty"`
	TypeName  string                `json:"typeName,omitempty"`
	Data      map[string]FieldValue `json:"structuredData,omitempty"`
	CreatedAt string                `json:"createdAt"`
	UpdatedAt string                `json:"updatedAt"`
	Archived  bool                  `json:"archived,omitempty"`
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Group is a named collection of entries ("bubble" on the wire).
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

// =============================================================================
// FIELD VALUES (tagged variant for structuredData)
// =============================================================================

// FieldKind discriminates the value kinds structuredData may hold.
type FieldKind string

const (
	KindString     FieldKind = "string"
	KindStringList FieldKind = "string[]"
	KindNumber     FieldKind = "number"
	KindBoolean    FieldKind = "boolean"
	KindEnum       FieldKind = "enum"
)

// FieldValue is a tagged variant over the primitive kinds a structured field
// may hold: string, string list, number, or boolean. On the wire it is the
// bare JSON value; the tag is recovered from the JSON shape on decode.
type FieldValue struct {
	kind FieldKind
	str  string
	list []string
	num  float64
	b    bool
}

// String builds a string field value.
func String(s string) FieldValue { return FieldValue{kind: KindString, str: s} }

// StringList builds a string-list field value.
func StringList(vs ...string) FieldValue { return FieldValue{kind: KindStringList, list: vs} }

// Number builds a numeric field value.
func Number(n float64) FieldValue { return FieldValue{kind: KindNumber, num: n} }

// Bool builds a boolean field value.
func Bool(b bool) FieldValue { return FieldValue{kind: KindBoolean, b: b} }

// Kind returns the discriminant of the value.
func (v FieldValue) Kind() FieldKind { return v.kind }

// AsString returns the string payload and whether the value is a string.
func (v FieldValue) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsStringList returns the list payload and whether the value is a list.
func (v FieldValue) AsStringList() ([]string, bool) { return v.list, v.kind == KindStringList }

// AsNumber returns the numeric payload and whether the value is a number.
func (v FieldValue) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the boolean payload and whether the value is a boolean.
func (v FieldValue) AsBool() (bool, bool) { return v.b, v.kind == KindBoolean }

// IsZero reports whether the value carries no payload at all.
func (v FieldValue) IsZero() bool { return v.kind == "" }

// Display renders the value for human-readable content strings.
// Lists are joined with ", "; booleans render as true/false.
func (v FieldValue) Display() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindStringList:
		out := ""
		for i, s := range v.list {
			if i > 0 {
				out += ", "
			}
			out += s
		}
		return out
	case KindNumber:
		if v.num == float64(int64(v.num)) {
			return fmt.Sprintf("%d", int64(v.num))
		}
		return fmt.Sprintf("%g", v.num)
	case KindBoolean:
		return fmt.Sprintf("%t", v.b)
	}
	return ""
}

// MarshalJSON writes the bare JSON value.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindStringList:
		if v.list == nil {
			return json.Marshal([]string{})
		}
		return json.Marshal(v.list)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBoolean:
		return json.Marshal(v.b)
	}
	return []byte("null"), nil
}

// UnmarshalJSON recovers the tag from the JSON shape.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = String(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*v = StringList(list...)
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = Bool(b)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*v = Number(n)
		return nil
	}
	if string(data) == "null" {
		*v = FieldValue{}
		return nil
	}
	return fmt.Errorf("unsupported structured value: %s", string(data))
}

// =============================================================================
// SCHEMA CATALOG
// =============================================================================

// FieldSpec declares one field of a schema type.
type FieldSpec struct {
	Kind        FieldKind `json:"type" yaml:"type"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Values      []string  `json:"values,omitempty" yaml:"values,omitempty"`
	Default     string    `json:"default,omitempty" yaml:"default,omitempty"`
}

// SchemaType is one user-declared context type.
type SchemaType struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      map[string]FieldSpec `json:"fields" yaml:"fields"`
}

// Catalog is the user-defined type catalog. The runtime treats it as
// read-only: only the user edits it, through the UI or REST.
type Catalog struct {
	Version int          `json:"version" yaml:"version"`
	Types   []SchemaType `json:"types" yaml:"types"`
}

// TypeByName returns the named type, or nil if the catalog does not declare it.
func (c *Catalog) TypeByName(name string) *SchemaType {
	if c == nil {
		return nil
	}
	for i := range c.Types {
		if c.Types[i].Name == name {
			return &c.Types[i]
		}
	}
	return nil
}

// =============================================================================
// OBSERVER EVENTS AND AGGREGATES
// =============================================================================

// Event action kinds recorded by the observer.
const (
	EventRead    = "read"
	EventWrite   = "write"
	EventUpdate  = "update"
	EventDelete  = "delete"
	EventArchive = "archive"
	EventMiss    = "miss"
)

// Event is one observed store interaction.
type Event struct {
	Timestamp string   `json:"timestamp"`
	Action    string   `json:"action"`
	Tool      string   `json:"tool,omitempty"`
	Query     string   `json:"query,omitempty"`
	TypeName  string   `json:"typeName,omitempty"`
	EntryIDs  []string `json:"entryIds,omitempty"`
}

// Summary is the running aggregate over the event log. It is recomputed from
// the raw blob on each load, never maintained incrementally, so the file
// stays robust against partial writes and hand edits.
type Summary struct {
	TotalReads    int            `json:"totalReads"`
	TotalWrites   int            `json:"totalWrites"`
	TotalMisses   int            `json:"totalMisses"`
	MissedQueries map[string]int `json:"missedQueries"`
	ReadsByType   map[string]int `json:"readsByType"`
	WritesByType  map[string]int `json:"writesByType"`
	LastActivity  string         `json:"lastActivity,omitempty"`
}

// ActionCount pairs an action kind with how many targets it touched.
type ActionCount struct {
	Type  ActionKind `json:"type"`
	Count int        `json:"count"`
}

// ImprovementRecord is one journal line about executed improvements.
type ImprovementRecord struct {
	Timestamp    string        `json:"timestamp"`
	Actions      []ActionCount `json:"actions"`
	AutoExecuted bool          `json:"autoExecuted"`
}

// Usefulness holds the per-entry helpful/unhelpful counters reported by
// agents. Collected for future ranking signals; feeds no current decision.
type Usefulness struct {
	Helpful   map[string]int `json:"helpful"`
	Unhelpful map[string]int `json:"unhelpful"`
}

// Awareness is the full on-disk awareness blob, shared by the observer and
// the control plane through load-modify-save under one lock.
type Awareness struct {
	Events       []Event             `json:"events"`
	Improvements []ImprovementRecord `json:"improvements"`
	Usefulness   Usefulness          `json:"usefulness"`
	Pending      []PendingAction     `json:"pendingActions"`
	Protections  []Protection        `json:"protections"`
}

// =============================================================================
// IMPROVEMENT ACTIONS
// =============================================================================

// ActionKind enumerates the seven improvement action types.
type ActionKind string

const (
	ActionAutoTag              ActionKind = "auto_tag"
	ActionMergeDuplicates      ActionKind = "merge_duplicates"
	ActionPromoteToType        ActionKind = "promote_to_type"
	ActionArchiveStale         ActionKind = "archive_stale"
	ActionCreateGapStubs       ActionKind = "create_gap_stubs"
	ActionResolveContradiction ActionKind = "resolve_contradictions"
	ActionSuggestSchema        ActionKind = "suggest_schema"
)

// RiskLevel classifies how destructive an action kind is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Contradiction is a pair of same-type entries in semantic tension.
type Contradiction struct {
	EntryA      string `json:"entryA"`
	EntryB      string `json:"entryB"`
	TypeName    string `json:"typeName,omitempty"`
	Explanation string `json:"explanation"`
}

// SuggestedField is one field of a proposed schema type.
type SuggestedField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// SchemaSuggestion is a proposed addition to the catalog. Suggestions are
// only ever recorded; the runtime never writes the catalog file itself.
type SchemaSuggestion struct {
	TypeName    string           `json:"typeName"`
	Description string           `json:"description"`
	Fields      []SuggestedField `json:"fields"`
}

// Action is one concrete improvement the system may perform. The payload
// fields used depend on Kind.
type Action struct {
	Kind           ActionKind         `json:"kind"`
	EntryIDs       []string           `json:"entryIds,omitempty"`
	Queries        []string           `json:"queries,omitempty"`
	TypeName       string             `json:"typeName,omitempty"`
	Pairs          [][2]string        `json:"pairs,omitempty"`
	Contradictions []Contradiction    `json:"contradictions,omitempty"`
	Suggestions    []SchemaSuggestion `json:"suggestions,omitempty"`
}

// Targets returns every entry ID the action would touch, across all payload
// shapes. Used for protection checks and pending-action de-duplication.
func (a Action) Targets() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range a.EntryIDs {
		add(id)
	}
	for _, p := range a.Pairs {
		add(p[0])
		add(p[1])
	}
	for _, c := range a.Contradictions {
		add(c.EntryA)
		add(c.EntryB)
	}
	return out
}

// =============================================================================
// PENDING ACTIONS AND PROTECTIONS
// =============================================================================

// PendingStatus is the lifecycle state of a queued action. Transitions are
// monotonic: pending -> approved | dismissed | expired, never back.
type PendingStatus string

const (
	StatusPending   PendingStatus = "pending"
	StatusApproved  PendingStatus = "approved"
	StatusDismissed PendingStatus = "dismissed"
	StatusExpired   PendingStatus = "expired"
)

// PendingAction is an improvement awaiting human approval.
type PendingAction struct {
	ID            string         `json:"id"`
	CreatedAt     string         `json:"createdAt"`
	ExpiresAt     string         `json:"expiresAt"`
	Action        Action         `json:"action"`
	Risk          RiskLevel      `json:"risk"`
	Description   string         `json:"description"`
	Reasoning     string         `json:"reasoning"`
	Preview       map[string]any `json:"preview,omitempty"`
	Status        PendingStatus  `json:"status"`
	DismissReason string         `json:"dismissReason,omitempty"`
}

// Protection is a standing rule that blocks re-proposal of action kinds,
// either for a single entry (EntryID) or for a pattern/scope.
type Protection struct {
	EntryID   string            `json:"entryId,omitempty"`
	Pattern   string            `json:"pattern,omitempty"`
	Scope     map[string]string `json:"scope,omitempty"`
	Actions   []ActionKind      `json:"actions"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt string            `json:"createdAt"`
}

// BlocksKind reports whether the protection's action list contains kind.
func (p Protection) BlocksKind(kind ActionKind) bool {
	for _, k := range p.Actions {
		if k == kind {
			return true
		}
	}
	return false
}

// =============================================================================
// SELF-MODEL
// =============================================================================

// Gap severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Gap is an identified deficiency in the store.
type Gap struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// Identity describes what the store currently holds.
type Identity struct {
	ActiveEntries int            `json:"activeEntries"`
	ByType        map[string]int `json:"byType"`
	GroupCount    int            `json:"groupCount"`
	OldestEntry   string         `json:"oldestEntry,omitempty"`
	NewestEntry   string         `json:"newestEntry,omitempty"`
}

// Coverage describes how well the catalog types are populated.
type Coverage struct {
	TypesWithEntries []string `json:"typesWithEntries"`
	EmptyTypes       []string `json:"emptyTypes"`
	UntypedEntries   int      `json:"untypedEntries"`
	Score            float64  `json:"score"`
}

// StaleEntry is a compact reference to an entry that has not been updated
// in a long time.
type StaleEntry struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updatedAt"`
}

// Freshness describes how recently entries have been touched.
type Freshness struct {
	RecentlyUpdated int          `json:"recentlyUpdated"`
	StaleCount      int          `json:"staleCount"`
	Stalest         []StaleEntry `json:"stalest,omitempty"`
	Score           float64      `json:"score"`
}

// Health verdicts.
const (
	HealthSparse         = "sparse"
	HealthHealthy        = "healthy"
	HealthNeedsAttention = "needs-attention"
)

// SelfModel is a computed snapshot describing the store's state.
type SelfModel struct {
	GeneratedAt        string              `json:"generatedAt"`
	Deep               bool                `json:"deep"`
	Identity           Identity            `json:"identity"`
	Coverage           Coverage            `json:"coverage"`
	Freshness          Freshness           `json:"freshness"`
	Gaps               []Gap               `json:"gaps"`
	Contradictions     []Contradiction     `json:"contradictions"`
	Health             string              `json:"health"`
	RecentImprovements []ImprovementRecord `json:"recentImprovements,omitempty"`
	PendingCount       int                 `json:"pendingCount"`
}
