// Package schema loads and applies the user-defined type catalog. The
// catalog is the user's file: the runtime reads and validates against it but
// never modifies it on its own.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"contextd/internal/types"
)

// Load reads the catalog from path. A missing or malformed file returns
// (nil, nil): typed operations degrade to untyped and the runtime keeps
// running. The error return is reserved for future strict modes.
func Load(path string) (*types.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil
	}

	var cat types.Catalog
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &cat); err != nil {
			return nil, nil
		}
	} else {
		if err := json.Unmarshal(data, &cat); err != nil {
			return nil, nil
		}
	}
	return &cat, nil
}

// Save writes the catalog to path, creating parent directories as needed.
// Only the user-facing surfaces (REST PUT /api/schema) call this.
func Save(path string, cat *types.Catalog) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create schema directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cat)
	} else {
		data, err = json.MarshalIndent(cat, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks a data mapping against the named catalog type. Validation
// never blocks persistence; callers store the entry regardless and surface
// the returned messages. Unknown fields in data pass through untouched.
func Validate(cat *types.Catalog, typeName string, data map[string]types.FieldValue) (bool, []string) {
	st := cat.TypeByName(typeName)
	if st == nil {
		return false, []string{fmt.Sprintf("Unknown context type %q", typeName)}
	}

	var errs []string
	// Deterministic error order regardless of map iteration.
	names := make([]string, 0, len(st.Fields))
	for name := range st.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := st.Fields[name]
		val, present := data[name]
		if !present || val.IsZero() {
			if spec.Required {
				errs = append(errs, fmt.Sprintf("Required field %q is missing", name))
			}
			continue
		}
		switch spec.Kind {
		case types.KindString:
			s, ok := val.AsString()
			if !ok {
				errs = append(errs, fmt.Sprintf("Field %q must be a string", name))
			} else if spec.Required && strings.TrimSpace(s) == "" {
				errs = append(errs, fmt.Sprintf("Required field %q is empty", name))
			}
		case types.KindStringList:
			if _, ok := val.AsStringList(); !ok {
				errs = append(errs, fmt.Sprintf("Field %q must be a list of strings", name))
			}
		case types.KindNumber:
			if _, ok := val.AsNumber(); !ok {
				errs = append(errs, fmt.Sprintf("Field %q must be a number", name))
			}
		case types.KindBoolean:
			if _, ok := val.AsBool(); !ok {
				errs = append(errs, fmt.Sprintf("Field %q must be a boolean", name))
			}
		case types.KindEnum:
			s, ok := val.AsString()
			if !ok {
				errs = append(errs, fmt.Sprintf("Field %q must be one of %v", name, spec.Values))
				break
			}
			allowed := false
			for _, v := range spec.Values {
				if v == s {
					allowed = true
					break
				}
			}
			if !allowed {
				errs = append(errs, fmt.Sprintf("Field %q must be one of %v, got %q", name, spec.Values, s))
			}
		}
	}
	return len(errs) == 0, errs
}

// BuildContent renders a stable human-readable content string from typed
// data: "[type] key: value | key: value". Zero values are skipped so the
// rendering stays clean for partially filled entries.
func BuildContent(typeName string, data map[string]types.FieldValue) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if !data[k].IsZero() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, data[k].Display()))
	}
	return fmt.Sprintf("[%s] %s", typeName, strings.Join(parts, " | "))
}

// Describe renders the catalog for presentation to agents.
func Describe(cat *types.Catalog) string {
	if cat == nil || len(cat.Types) == 0 {
		return "No schema is defined. Entries are stored untyped; the user can add a type catalog at any time."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Context schema (version %d), %d types:\n", cat.Version, len(cat.Types))
	for _, st := range cat.Types {
		fmt.Fprintf(&sb, "\n%s — %s\n", st.Name, st.Description)
		names := make([]string, 0, len(st.Fields))
		for name := range st.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			spec := st.Fields[name]
			req := ""
			if spec.Required {
				req = ", required"
			}
			if spec.Kind == types.KindEnum {
				fmt.Fprintf(&sb, "  %s (%s%s): one of %s\n", name, spec.Kind, req, strings.Join(spec.Values, ", "))
			} else {
				desc := spec.Description
				if desc != "" {
					desc = ": " + desc
				}
				fmt.Fprintf(&sb, "  %s (%s%s)%s\n", name, spec.Kind, req, desc)
			}
		}
	}
	return sb.String()
}
