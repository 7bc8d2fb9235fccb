package catalog

import (
	"encoding/json"
	"fmt"
	"sort"

	"readyline/internal/domain"
)

// Condition is the pass rule for one quest level. The concrete kinds are
// pass, count, score and exists; the set is sealed so evaluation can rely on
// exhaustive handling.
type Condition interface {
	// Satisfied reports whether the raw scan result meets the condition.
	// Missing or malformed fields never satisfy and never error.
	Satisfied(result map[string]any) bool
	isCondition()
}

// PassCondition is satisfied when the raw result carries present:true or
// passed:true.
type PassCondition struct{}

func (PassCondition) Satisfied(result map[string]any) bool {
	return boolField(result, "present") || boolField(result, "passed")
}
func (PassCondition) isCondition() {}

// CountCondition is satisfied when the numeric count field is >= Min.
type CountCondition struct {
	Min float64
}

func (c CountCondition) Satisfied(result map[string]any) bool {
	n, ok := numField(result, "count")
	return ok && n >= c.Min
}
func (CountCondition) isCondition() {}

// ScoreCondition is satisfied when the numeric score field is >= Min.
type ScoreCondition struct {
	Min float64
}

func (c ScoreCondition) Satisfied(result map[string]any) bool {
	n, ok := numField(result, "score")
	return ok && n >= c.Min
}
func (ScoreCondition) isCondition() {}

// ExistsCondition is satisfied when the scan reported anything at all for
// the quest, regardless of content.
type ExistsCondition struct{}

func (ExistsCondition) Satisfied(result map[string]any) bool { return result != nil }
func (ExistsCondition) isCondition()                         {}

func boolField(result map[string]any, key string) bool {
	v, ok := result[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func numField(result map[string]any, key string) (float64, bool) {
	switch n := result[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// LevelSpec binds a level number to its pass condition.
type LevelSpec struct {
	Level     int
	Condition Condition
}

// QuestDefinition is one check in the catalog. Levels are kept sorted
// ascending; an empty Levels slice marks a legacy quest that falls back to
// single-tier pass detection at level 1.
type QuestDefinition struct {
	Key            string
	Title          string
	Description    string
	ManualApproval bool
	Levels         []LevelSpec
}

// Legacy reports whether the quest has no leveled conditions.
func (q QuestDefinition) Legacy() bool { return len(q.Levels) == 0 }

// Catalog maps quest key to definition. It is authoritative: scan results
// for keys outside the catalog are ignored by the readiness computation.
type Catalog map[string]QuestDefinition

// ConditionSpec is the wire shape of a condition in YAML/JSON documents.
type ConditionSpec struct {
	Type string   `json:"type" yaml:"type" enum:"pass,count,score,exists"`
	Min  *float64 `json:"min,omitempty" yaml:"min,omitempty"`
}

// Compile validates the spec and returns the sealed condition value. No
// invalid condition ever escapes this constructor.
func (s ConditionSpec) Compile() (Condition, error) {
	switch s.Type {
	case "pass":
		if s.Min != nil {
			return nil, domain.ValidationError{Field: "condition.min", Reason: "not allowed for type pass"}
		}
		return PassCondition{}, nil
	case "exists":
		if s.Min != nil {
			return nil, domain.ValidationError{Field: "condition.min", Reason: "not allowed for type exists"}
		}
		return ExistsCondition{}, nil
	case "count":
		if s.Min == nil {
			return nil, domain.ValidationError{Field: "condition.min", Reason: "required for type count"}
		}
		if *s.Min < 0 {
			return nil, domain.ValidationError{Field: "condition.min", Reason: "must be >= 0"}
		}
		return CountCondition{Min: *s.Min}, nil
	case "score":
		if s.Min == nil {
			return nil, domain.ValidationError{Field: "condition.min", Reason: "required for type score"}
		}
		if *s.Min < 0 {
			return nil, domain.ValidationError{Field: "condition.min", Reason: "must be >= 0"}
		}
		return ScoreCondition{Min: *s.Min}, nil
	case "":
		return nil, domain.ValidationError{Field: "condition.type", Reason: "required"}
	default:
		return nil, domain.ValidationError{Field: "condition.type", Reason: fmt.Sprintf("unknown condition type %q", s.Type)}
	}
}

// SpecOf converts a condition back to its wire shape.
func SpecOf(c Condition) ConditionSpec {
	switch v := c.(type) {
	case PassCondition:
		return ConditionSpec{Type: "pass"}
	case CountCondition:
		min := v.Min
		return ConditionSpec{Type: "count", Min: &min}
	case ScoreCondition:
		min := v.Min
		return ConditionSpec{Type: "score", Min: &min}
	case ExistsCondition:
		return ConditionSpec{Type: "exists"}
	default:
		// unreachable: the interface is sealed
		return ConditionSpec{}
	}
}

// LevelDoc is the wire shape of a quest level.
type LevelDoc struct {
	Level     int           `json:"level" yaml:"level"`
	Condition ConditionSpec `json:"condition" yaml:"condition"`
}

// QuestDoc is the wire shape of a quest definition, keyed externally.
type QuestDoc struct {
	Title          string     `json:"title,omitempty" yaml:"title,omitempty"`
	Description    string     `json:"description,omitempty" yaml:"description,omitempty"`
	ManualApproval bool       `json:"manual_approval,omitempty" yaml:"manual_approval,omitempty"`
	Levels         []LevelDoc `json:"levels" yaml:"levels"`
}

// Doc is the serialized catalog, as stored and as accepted over the API.
type Doc struct {
	Quests map[string]QuestDoc `json:"quests" yaml:"quests"`
}

// Compile validates the document and builds the in-memory catalog. Levels
// are sorted ascending so evaluation can scan for the highest satisfied one.
func (d Doc) Compile() (Catalog, error) {
	cat := make(Catalog, len(d.Quests))
	for key, q := range d.Quests {
		if key == "" {
			return nil, domain.ValidationError{Field: "quests", Reason: "empty quest key"}
		}
		def := QuestDefinition{
			Key:            key,
			Title:          q.Title,
			Description:    q.Description,
			ManualApproval: q.ManualApproval,
		}
		seen := make(map[int]bool, len(q.Levels))
		for _, l := range q.Levels {
			if l.Level < 1 {
				return nil, domain.ValidationError{Field: "quests." + key, Reason: fmt.Sprintf("level must be positive, got %d", l.Level)}
			}
			if seen[l.Level] {
				return nil, domain.ValidationError{Field: "quests." + key, Reason: fmt.Sprintf("duplicate level %d", l.Level)}
			}
			seen[l.Level] = true
			cond, err := l.Condition.Compile()
			if err != nil {
				return nil, fmt.Errorf("quest %s level %d: %w", key, l.Level, err)
			}
			def.Levels = append(def.Levels, LevelSpec{Level: l.Level, Condition: cond})
		}
		sort.Slice(def.Levels, func(i, j int) bool { return def.Levels[i].Level < def.Levels[j].Level })
		cat[key] = def
	}
	return cat, nil
}

// DocOf converts a catalog back to its wire shape.
func DocOf(cat Catalog) Doc {
	doc := Doc{Quests: make(map[string]QuestDoc, len(cat))}
	for key, def := range cat {
		q := QuestDoc{
			Title:          def.Title,
			Description:    def.Description,
			ManualApproval: def.ManualApproval,
			Levels:         []LevelDoc{},
		}
		for _, l := range def.Levels {
			q.Levels = append(q.Levels, LevelDoc{Level: l.Level, Condition: SpecOf(l.Condition)})
		}
		doc.Quests[key] = q
	}
	return doc
}
