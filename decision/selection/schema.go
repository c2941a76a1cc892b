package selection

import (
	"sort"
)

// FieldDescriptor describes one configuration field.
type FieldDescriptor struct {
	Type        FieldType `json:"type"`
	Label       string    `json:"label"`
	Required    bool      `json:"required"`
	Options     []string  `json:"options,omitempty"`
	Default     *Value    `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// ConfigSchema maps field keys to descriptors.
type ConfigSchema map[string]FieldDescriptor

// Field returns the descriptor for key, or nil if the schema does not declare it.
func (s ConfigSchema) Field(key string) *FieldDescriptor {
	d, ok := s[key]
	if !ok {
		return nil
	}
	return &d
}

// Keys returns field keys in a stable order.
func (s ConfigSchema) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MissingRequired lists required keys that have no value in sel.
func (s ConfigSchema) MissingRequired(sel Selection) []string {
	var missing []string
	for _, k := range s.Keys() {
		if !s[k].Required {
			continue
		}
		v, ok := sel[k]
		if !ok || v.IsZero() {
			missing = append(missing, k)
			continue
		}
		if str, isStr := v.AsString(); isStr && str == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// SourceKind identifies where the active schema comes from.
type SourceKind string

const (
	SourceNone     SourceKind = "none"
	SourceRuleSet  SourceKind = "ruleSet"
	SourceTemplate SourceKind = "template"
)

// Source is the active pricing source. At most one of rule set and template
// version is active; the struct shape enforces it.
type Source struct {
	Kind SourceKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

func (s Source) Active() bool {
	return s.Kind != SourceNone && s.Kind != "" && s.ID != ""
}

// RuleSetID returns the id when a rule set is active.
func (s Source) RuleSetID() *string {
	if s.Kind != SourceRuleSet || s.ID == "" {
		return nil
	}
	id := s.ID
	return &id
}

// TemplateVersionID returns the id when a template version is active.
func (s Source) TemplateVersionID() *string {
	if s.Kind != SourceTemplate || s.ID == "" {
		return nil
	}
	id := s.ID
	return &id
}

func ParseSourceKind(s string) (SourceKind, bool) {
	switch SourceKind(s) {
	case SourceNone, SourceRuleSet, SourceTemplate:
		return SourceKind(s), true
	case "":
		return SourceNone, true
	}
	return "", false
}
