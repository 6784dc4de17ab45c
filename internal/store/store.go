// Package store persists context entries and groups to a single JSON file.
// All mutation is load-modify-save under one mutex with an atomic rewrite,
// so a read-only companion process always sees a complete file.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"contextd/internal/schema"
	"contextd/internal/types"
)

// fileVersion is the current store file format version. Bumps are
// non-breaking as long as only new optional fields are added.
const fileVersion = 1

var (
	// ErrNotFound is returned for lookups of unknown entry IDs.
	ErrNotFound = errors.New("entry not found")
	// ErrGroupNotFound is returned for lookups of unknown group IDs.
	ErrGroupNotFound = errors.New("bubble not found")
)

// Recorder receives one concise event per store operation. The store only
// ever writes events; it never reads observer state back.
type Recorder interface {
	Record(ev types.Event)
}

// nopRecorder is used when no observer is attached.
type nopRecorder struct{}

func (nopRecorder) Record(types.Event) {}

// storeFile is the on-disk shape: a version header and two lists.
type storeFile struct {
	Version int           `json:"version"`
	Entries []types.Entry `json:"entries"`
	Groups  []types.Group `json:"groups"`
}

// Store is the file-backed context store.
type Store struct {
	mu     sync.Mutex
	path   string
	rec    Recorder
	logger *zap.Logger
	newID  func(content string) string
}

// Option configures a Store.
type Option func(*Store)

// WithRecorder attaches an observer to the store.
func WithRecorder(rec Recorder) Option {
	return func(s *Store) { s.rec = rec }
}

// WithLogger attaches a logger to the store.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens the store at path. A missing file yields an empty store; a
// malformed file fails loudly here rather than at first use.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		rec:    nopRecorder{},
		logger: zap.NewNop(),
		newID:  contentID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	s.logger.Debug("store opened", zap.String("path", path))
	return s, nil
}

// contentID derives a content-addressed entry ID: a short sha256 prefix over
// the content and creation instant.
func contentID(content string) string {
	sum := sha256.Sum256([]byte(content + "|" + types.Now()))
	return "ctx-" + hex.EncodeToString(sum[:])[:12]
}

// load reads and migrates the store file. Caller holds the lock (or is the
// constructor, before the store is shared).
func (s *Store) load() (*storeFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &storeFile{Version: fileVersion, Entries: []types.Entry{}, Groups: []types.Group{}}, nil
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed store file %s: %w", s.path, err)
	}
	if f.Entries == nil {
		f.Entries = []types.Entry{}
	}
	// Older files predate groups; migrate by filling the list.
	if f.Groups == nil {
		f.Groups = []types.Group{}
	}
	if f.Version == 0 {
		f.Version = fileVersion
	}
	return &f, nil
}

// save rewrites the store file atomically. Caller holds the lock.
func (s *Store) save(f *storeFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	return WriteFileAtomic(s.path, data)
}

// advance returns a timestamp strictly after prev. Timestamps carry second
// granularity, so a same-second update bumps one second past the previous
// value; UTC RFC 3339 strings compare correctly as strings either way.
func advance(prev string) string {
	now := types.Now()
	if now > prev {
		return now
	}
	t := types.ParseTime(prev)
	if t.IsZero() {
		return now
	}
	return t.Add(time.Second).UTC().Format(types.TimeFormat)
}

// =============================================================================
// ENTRY CRUD
// =============================================================================

// Save creates a new untyped entry.
func (s *Store) Save(content string, tags []string, source, groupID string) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}

	now := types.Now()
	if tags == nil {
		tags = []string{}
	}
	e := types.Entry{
		ID:        s.newID(content),
		Content:   content,
		Tags:      tags,
		Source:    source,
		GroupID:   groupID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.Entries = append(f.Entries, e)
	if err := s.save(f); err != nil {
		return nil, err
	}

	s.rec.Record(types.Event{
		Timestamp: now, Action: types.EventWrite, Tool: "save_context", EntryIDs: []string{e.ID},
	})
	return &e, nil
}

// SaveTyped creates an entry validated against the catalog type. The entry
// is persisted even when validation fails; the error list is returned
// alongside so the caller can surface it. Content is rendered from the data
// so substring recall keeps working on typed entries.
func (s *Store) SaveTyped(cat *types.Catalog, typeName string, data map[string]types.FieldValue, tags []string, source string) (*types.Entry, []string, error) {
	_, errs := schema.Validate(cat, typeName, data)
	content := schema.BuildContent(typeName, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, errs, err
	}

	now := types.Now()
	if tags == nil {
		tags = []string{}
	}
	e := types.Entry{
		ID:        s.newID(content),
		Content:   content,
		Tags:      tags,
		Source:    source,
		TypeName:  typeName,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.Entries = append(f.Entries, e)
	if err := s.save(f); err != nil {
		return nil, errs, err
	}

	s.rec.Record(types.Event{
		Timestamp: now, Action: types.EventWrite, Tool: "save_typed_context",
		TypeName: typeName, EntryIDs: []string{e.ID},
	})
	return &e, errs, nil
}

// Get returns the entry with the given ID, archived or not.
func (s *Store) Get(id string) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range f.Entries {
		if f.Entries[i].ID == id {
			e := f.Entries[i]
			s.rec.Record(types.Event{
				Timestamp: types.Now(), Action: types.EventRead, Tool: "get_context",
				TypeName: e.TypeName, EntryIDs: []string{id},
			})
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Peek returns an entry without recording a read event. Maintenance lookups
// by the improver go through here so they never count as observed reads.
func (s *Store) Peek(id string) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range f.Entries {
		if f.Entries[i].ID == id {
			e := f.Entries[i]
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// UpdateRequest carries the mutable entry fields. Nil pointers leave the
// field untouched; Tags replaces the whole tag set when non-nil.
type UpdateRequest struct {
	Content *string
	Tags    []string
	Source  *string
	GroupID *string
}

// Update mutates an existing entry and advances its update timestamp.
func (s *Store) Update(id string, req UpdateRequest) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range f.Entries {
		if f.Entries[i].ID != id {
			continue
		}
		e := &f.Entries[i]
		if req.Content != nil {
			e.Content = *req.Content
		}
		if req.Tags != nil {
			e.Tags = req.Tags
		}
		if req.Source != nil {
			e.Source = *req.Source
		}
		if req.GroupID != nil {
			e.GroupID = *req.GroupID
		}
		e.UpdatedAt = advance(e.UpdatedAt)
		if err := s.save(f); err != nil {
			return nil, err
		}
		out := *e
		s.rec.Record(types.Event{
			Timestamp: types.Now(), Action: types.EventUpdate, Tool: "update_context",
			TypeName: e.TypeName, EntryIDs: []string{id},
		})
		return &out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Delete permanently removes an entry. Only explicit user/REST calls reach
// this; autonomous actions archive instead.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	for i := range f.Entries {
		if f.Entries[i].ID == id {
			f.Entries = append(f.Entries[:i], f.Entries[i+1:]...)
			if err := s.save(f); err != nil {
				return err
			}
			s.rec.Record(types.Event{
				Timestamp: types.Now(), Action: types.EventDelete, Tool: "delete_context", EntryIDs: []string{id},
			})
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// SetType sets or clears the weak type reference on an entry. No structured
// revalidation happens here; validation runs only at write time.
func (s *Store) SetType(id, typeName string) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range f.Entries {
		if f.Entries[i].ID != id {
			continue
		}
		e := &f.Entries[i]
		e.TypeName = typeName
		e.UpdatedAt = advance(e.UpdatedAt)
		if err := s.save(f); err != nil {
			return nil, err
		}
		out := *e
		s.rec.Record(types.Event{
			Timestamp: types.Now(), Action: types.EventUpdate, Tool: "set_type",
			TypeName: typeName, EntryIDs: []string{id},
		})
		return &out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// SetArchived toggles the archive flag. Archived entries drop out of every
// read path except Get and ListArchived.
func (s *Store) SetArchived(id string, archived bool) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range f.Entries {
		if f.Entries[i].ID != id {
			continue
		}
		e := &f.Entries[i]
		e.Archived = archived
		e.UpdatedAt = advance(e.UpdatedAt)
		if err := s.save(f); err != nil {
			return nil, err
		}
		out := *e
		s.rec.Record(types.Event{
			Timestamp: types.Now(), Action: types.EventArchive, Tool: "set_archived",
			TypeName: e.TypeName, EntryIDs: []string{id},
		})
		return &out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// =============================================================================
// READ PATHS
// =============================================================================

// List returns all active entries, optionally filtered by tag.
func (s *Store) List(tag string) ([]types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []types.Entry
	for _, e := range f.Entries {
		if e.Archived {
			continue
		}
		if tag != "" && !e.HasTag(tag) {
			continue
		}
		out = append(out, e)
	}
	s.rec.Record(types.Event{
		Timestamp: types.Now(), Action: types.EventRead, Tool: "list_contexts", EntryIDs: entryIDs(out),
	})
	return out, nil
}

// Snapshot returns copies of every entry and group without recording any
// event. The self-model builder and the improvement scan read through here,
// so the runtime's own passes never register as agent reads and the
// "stale and never read" signal stays trustworthy.
func (s *Store) Snapshot() ([]types.Entry, []types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, nil, err
	}
	entries := make([]types.Entry, len(f.Entries))
	copy(entries, f.Entries)
	groups := make([]types.Group, len(f.Groups))
	copy(groups, f.Groups)
	return entries, groups, nil
}

// ListArchived returns archived entries only.
func (s *Store) ListArchived() ([]types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []types.Entry
	for _, e := range f.Entries {
		if e.Archived {
			out = append(out, e)
		}
	}
	return out, nil
}

// Recall returns active entries whose content or tags contain the query as
// a substring, case-insensitively. Zero hits are recorded as a miss so the
// improver can learn what agents look for and fail to find.
func (s *Store) Recall(query string) ([]types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []types.Entry
	for _, e := range f.Entries {
		if e.Archived {
			continue
		}
		if strings.Contains(strings.ToLower(e.Content), q) || tagMatch(e.Tags, q) {
			out = append(out, e)
		}
	}
	s.recordQuery("recall_context", query, out)
	return out, nil
}

// Search returns active entries matching every whitespace-separated term
// across content, tags, and source.
func (s *Store) Search(query string) ([]types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	var out []types.Entry
	for _, e := range f.Entries {
		if e.Archived {
			continue
		}
		haystack := strings.ToLower(e.Content + " " + strings.Join(e.Tags, " ") + " " + e.Source)
		matched := true
		for _, t := range terms {
			if !strings.Contains(haystack, t) {
				matched = false
				break
			}
		}
		if matched && len(terms) > 0 {
			out = append(out, e)
		}
	}
	s.recordQuery("search_context", query, out)
	return out, nil
}

// QueryByType returns active entries of the given type whose structured data
// matches every field constraint in filter. An entry without structured data
// fails any non-empty filter.
func (s *Store) QueryByType(typeName string, filter map[string]types.FieldValue) ([]types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []types.Entry
	for _, e := range f.Entries {
		if e.Archived || e.TypeName != typeName {
			continue
		}
		if !matchesFilter(e.Data, filter) {
			continue
		}
		out = append(out, e)
	}
	ev := types.Event{
		Timestamp: types.Now(), Action: types.EventRead, Tool: "query_by_type",
		TypeName: typeName, EntryIDs: entryIDs(out),
	}
	if len(out) == 0 {
		ev.Action = types.EventMiss
		ev.Query = typeName
	}
	s.rec.Record(ev)
	return out, nil
}

func matchesFilter(data, filter map[string]types.FieldValue) bool {
	if len(filter) == 0 {
		return true
	}
	if data == nil {
		return false
	}
	for k, want := range filter {
		got, ok := data[k]
		if !ok || got.Display() != want.Display() {
			return false
		}
	}
	return true
}

// recordQuery emits a read event, or a miss carrying the query when the
// result set is empty. Caller holds the lock.
func (s *Store) recordQuery(tool, query string, hits []types.Entry) {
	ev := types.Event{Timestamp: types.Now(), Tool: tool, Query: query}
	if len(hits) == 0 {
		ev.Action = types.EventMiss
	} else {
		ev.Action = types.EventRead
		ev.EntryIDs = entryIDs(hits)
	}
	s.rec.Record(ev)
}

func tagMatch(tags []string, q string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func entryIDs(entries []types.Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// =============================================================================
// GROUPS
// =============================================================================

// CreateGroup creates a new bubble.
func (s *Store) CreateGroup(id, name, description string) (*types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	now := types.Now()
	g := types.Group{ID: id, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	f.Groups = append(f.Groups, g)
	if err := s.save(f); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns all bubbles sorted by creation time.
func (s *Store) ListGroups() ([]types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]types.Group, len(f.Groups))
	copy(out, f.Groups)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// GetGroup returns one bubble by ID.
func (s *Store) GetGroup(id string) (*types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range f.Groups {
		if f.Groups[i].ID == id {
			g := f.Groups[i]
			return &g, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
}

// UpdateGroup renames or re-describes a bubble.
func (s *Store) UpdateGroup(id, name, description string) (*types.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range f.Groups {
		if f.Groups[i].ID != id {
			continue
		}
		g := &f.Groups[i]
		if name != "" {
			g.Name = name
		}
		if description != "" {
			g.Description = description
		}
		g.UpdatedAt = advance(g.UpdatedAt)
		if err := s.save(f); err != nil {
			return nil, err
		}
		out := *g
		return &out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
}

// DeleteGroup removes a bubble. With cascade the member entries are deleted
// too; otherwise their back-references are cleared (orphaning).
func (s *Store) DeleteGroup(id string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	found := false
	for i := range f.Groups {
		if f.Groups[i].ID == id {
			f.Groups = append(f.Groups[:i], f.Groups[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}

	var removed []string
	if cascade {
		kept := f.Entries[:0]
		for _, e := range f.Entries {
			if e.GroupID == id {
				removed = append(removed, e.ID)
				continue
			}
			kept = append(kept, e)
		}
		f.Entries = kept
	} else {
		for i := range f.Entries {
			if f.Entries[i].GroupID == id {
				f.Entries[i].GroupID = ""
				f.Entries[i].UpdatedAt = advance(f.Entries[i].UpdatedAt)
			}
		}
	}
	if err := s.save(f); err != nil {
		return err
	}
	if len(removed) > 0 {
		s.rec.Record(types.Event{
			Timestamp: types.Now(), Action: types.EventDelete, Tool: "delete_bubble", EntryIDs: removed,
		})
	}
	return nil
}

// ListByGroup returns the active entries belonging to a bubble.
func (s *Store) ListByGroup(groupID string) ([]types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []types.Entry
	for _, e := range f.Entries {
		if !e.Archived && e.GroupID == groupID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Stats returns entry and group counts for the status surfaces.
func (s *Store) Stats() (active, archived, groups int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return 0, 0, 0, err
	}
	for _, e := range f.Entries {
		if e.Archived {
			archived++
		} else {
			active++
		}
	}
	return active, archived, len(f.Groups), nil
}
