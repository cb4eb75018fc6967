package mapping

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/camatools/pacsync/internal/types"
)

// FieldClass groups target fields for default-strategy purposes.
type FieldClass string

const (
	ClassAddress    FieldClass = "address"
	ClassValuation  FieldClass = "valuation"
	ClassStructural FieldClass = "structural"
)

// classDefaults are the built-in per-class strategies: address data
// trusts the legacy source, valuations trust the appraiser-maintained
// target, structural data merges.
var classDefaults = map[FieldClass]types.ResolutionStrategy{
	ClassAddress:    types.SourceWins,
	ClassValuation:  types.TargetWins,
	ClassStructural: types.Merge,
}

// Predicate names a value condition that can override a rule's strategy.
type Predicate string

const (
	PredSourceNull  Predicate = "source_null"
	PredTargetNull  Predicate = "target_null"
	PredEqualValues Predicate = "equal"
)

// Override is a value-predicate strategy override on a rule.
type Override struct {
	When     Predicate
	Strategy types.ResolutionStrategy
}

// Rule is the configured resolution for one (entity, field).
type Rule struct {
	Entity    types.EntityType
	Field     string
	Strategy  types.ResolutionStrategy
	Overrides []Override
}

// RuleCatalog resolves a strategy for any (entity, field, values) tuple.
// Lookup order: exact rule (with predicate overrides), field class
// default, then SourceWins.
type RuleCatalog struct {
	rules   map[string]Rule
	classes map[string]FieldClass
}

func ruleKey(entity types.EntityType, field string) string {
	return string(entity) + "\x00" + field
}

// StrategyFor picks the resolution strategy for a conflicting field.
func (rc *RuleCatalog) StrategyFor(entity types.EntityType, field string, sourceVal, targetVal interface{}) types.ResolutionStrategy {
	if rc != nil {
		if rule, ok := rc.rules[ruleKey(entity, field)]; ok {
			for _, ov := range rule.Overrides {
				if ov.matches(sourceVal, targetVal) {
					return ov.Strategy
				}
			}
			return rule.Strategy
		}
		if class, ok := rc.classes[field]; ok {
			if s, ok := classDefaults[class]; ok {
				return s
			}
		}
	}
	return types.SourceWins
}

func (ov Override) matches(sourceVal, targetVal interface{}) bool {
	switch ov.When {
	case PredSourceNull:
		return sourceVal == nil
	case PredTargetNull:
		return targetVal == nil
	case PredEqualValues:
		return fmt.Sprintf("%v", sourceVal) == fmt.Sprintf("%v", targetVal)
	}
	return false
}

// yaml wire types

type rulesFile struct {
	Rules   []ruleFile          `yaml:"rules"`
	Classes map[string][]string `yaml:"classes"`
}

type ruleFile struct {
	Entity    string         `yaml:"entity"`
	Field     string         `yaml:"field"`
	Strategy  string         `yaml:"strategy"`
	Overrides []overrideFile `yaml:"overrides"`
}

type overrideFile struct {
	When     string `yaml:"when"`
	Strategy string `yaml:"strategy"`
}

// LoadRules reads and parses a resolution-rule catalog file.
func LoadRules(path string) (*RuleCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses resolution-rule YAML.
func ParseRules(data []byte) (*RuleCatalog, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mapping: parse rules: %w", err)
	}
	rc := &RuleCatalog{
		rules:   make(map[string]Rule),
		classes: make(map[string]FieldClass),
	}
	for _, r := range file.Rules {
		entity := types.EntityType(r.Entity)
		if !entity.IsValid() {
			return nil, fmt.Errorf("mapping: rule for unknown entity %q", r.Entity)
		}
		strategy, err := parseStrategy(r.Strategy)
		if err != nil {
			return nil, fmt.Errorf("mapping: rule %s.%s: %w", r.Entity, r.Field, err)
		}
		rule := Rule{Entity: entity, Field: r.Field, Strategy: strategy}
		for _, ov := range r.Overrides {
			s, err := parseStrategy(ov.Strategy)
			if err != nil {
				return nil, fmt.Errorf("mapping: rule %s.%s override: %w", r.Entity, r.Field, err)
			}
			pred := Predicate(ov.When)
			switch pred {
			case PredSourceNull, PredTargetNull, PredEqualValues:
			default:
				return nil, fmt.Errorf("mapping: rule %s.%s: unknown predicate %q", r.Entity, r.Field, ov.When)
			}
			rule.Overrides = append(rule.Overrides, Override{When: pred, Strategy: s})
		}
		rc.rules[ruleKey(entity, r.Field)] = rule
	}
	for class, fields := range file.Classes {
		fc := FieldClass(class)
		if _, ok := classDefaults[fc]; !ok {
			return nil, fmt.Errorf("mapping: unknown field class %q", class)
		}
		for _, f := range fields {
			rc.classes[f] = fc
		}
	}
	return rc, nil
}

func parseStrategy(s string) (types.ResolutionStrategy, error) {
	strategy := types.ResolutionStrategy(strings.ToLower(strings.TrimSpace(s)))
	if !strategy.IsValid() {
		return "", fmt.Errorf("unknown strategy %q", s)
	}
	return strategy, nil
}
