// Package conflict detects and resolves per-field divergence between a
// transformed source record and the existing target record.
package conflict

import (
	"fmt"
	"reflect"

	"github.com/camatools/pacsync/internal/mapping"
	"github.com/camatools/pacsync/internal/types"
)

// Resolver applies a resolution-rule catalog version.
type Resolver struct {
	rules *mapping.RuleCatalog
}

// New creates a Resolver over a rule catalog snapshot.
func New(rules *mapping.RuleCatalog) *Resolver {
	return &Resolver{rules: rules}
}

// Resolve compares record against existing over the given mapped fields
// (in declaration order, so conflict output is deterministic) and
// applies the chosen strategy to record.TargetData in place. It returns
// the conflicts found; each carries its resolution and resolved value.
//
// MANUAL keeps the target value and surfaces the conflict for human
// review; it never blocks the record.
func (r *Resolver) Resolve(record, existing *types.TransformedRecord, fields []string) []types.Conflict {
	if existing == nil {
		return nil
	}
	var conflicts []types.Conflict
	for _, field := range fields {
		sourceVal, sok := record.TargetData[field]
		targetVal, tok := existing.TargetData[field]
		if !sok || !tok || sourceVal == nil || targetVal == nil {
			continue
		}
		if equalValues(sourceVal, targetVal) {
			continue
		}

		strategy := r.rules.StrategyFor(record.EntityType, field, sourceVal, targetVal)
		resolved := applyStrategy(strategy, sourceVal, targetVal)
		record.TargetData[field] = resolved

		conflicts = append(conflicts, types.Conflict{
			EntityType:    record.EntityType,
			SourceID:      record.SourceID,
			Field:         field,
			SourceValue:   sourceVal,
			TargetValue:   targetVal,
			Resolution:    strategy,
			ResolvedValue: resolved,
		})
	}
	return conflicts
}

func applyStrategy(strategy types.ResolutionStrategy, sourceVal, targetVal interface{}) interface{} {
	switch strategy {
	case types.TargetWins, types.Manual:
		return targetVal
	case types.Merge:
		return mergeValues(sourceVal, targetVal)
	default:
		return sourceVal
	}
}

// mergeValues implements MERGE: numeric pairs average, lists union with
// target order first, maps shallow-merge with source overriding per key.
// Anything else falls through to source-wins.
func mergeValues(sourceVal, targetVal interface{}) interface{} {
	if s, sok := asFloat(sourceVal); sok {
		if t, tok := asFloat(targetVal); tok {
			return (s + t) / 2
		}
	}

	if tList, ok := asList(targetVal); ok {
		if sList, ok := asList(sourceVal); ok {
			seen := make(map[string]bool, len(tList))
			merged := make([]interface{}, 0, len(tList)+len(sList))
			for _, v := range tList {
				merged = append(merged, v)
				seen[fmt.Sprintf("%v", v)] = true
			}
			for _, v := range sList {
				if !seen[fmt.Sprintf("%v", v)] {
					merged = append(merged, v)
					seen[fmt.Sprintf("%v", v)] = true
				}
			}
			return merged
		}
	}

	if tMap, ok := targetVal.(map[string]interface{}); ok {
		if sMap, ok := sourceVal.(map[string]interface{}); ok {
			merged := make(map[string]interface{}, len(tMap)+len(sMap))
			for k, v := range tMap {
				merged[k] = v
			}
			for k, v := range sMap {
				merged[k] = v
			}
			return merged
		}
	}

	return sourceVal
}

// equalValues compares with numeric normalization: 100000 (int) and
// 100000.0 (float64, via JSON) are the same value.
func equalValues(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func asList(v interface{}) ([]interface{}, bool) {
	switch x := v.(type) {
	case []interface{}:
		return x, true
	case []string:
		out := make([]interface{}, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
