// Package heal applies corrective mutations to records that failed
// validation, keyed by validation error code.
//
// Healing is a fixpoint: healing an already-healed record changes
// nothing. Codes without a registered strategy are left alone and the
// record stays invalid for those errors.
package heal

import (
	"context"
	"strings"
	"time"

	"github.com/camatools/pacsync/internal/types"
	"github.com/camatools/pacsync/internal/validate"
)

// Healer mutates invalid records per the strategy catalog. now is
// injectable so year clamping is reproducible in tests.
type Healer struct {
	now func() time.Time
}

// New creates a Healer using the wall clock.
func New() *Healer {
	return &Healer{now: time.Now}
}

// NewAt creates a Healer with a fixed clock (tests).
func NewAt(now func() time.Time) *Healer {
	return &Healer{now: now}
}

// Heal returns a healed copy of rec, the actions taken, and whether
// every reported error had a strategy that could fix it. The input
// record is never mutated.
func (h *Healer) Heal(rec *types.TransformedRecord, errs []types.ValidationError) (*types.TransformedRecord, []types.HealingAction, bool) {
	healed := rec.Clone()
	var actions []types.HealingAction
	allFixed := true

	for _, e := range errs {
		action, fixed := h.applyStrategy(healed, e)
		if action != nil {
			actions = append(actions, *action)
		}
		if !fixed {
			allFixed = false
		}
	}
	return healed, actions, allFixed
}

func (h *Healer) applyStrategy(rec *types.TransformedRecord, e types.ValidationError) (*types.HealingAction, bool) {
	data := rec.TargetData
	switch e.Code {
	case validate.CodeParcelFormat:
		before, _ := data["parcel_number"].(string)
		after := stripParcel(before)
		if after == "" {
			return nil, false // nothing salvageable
		}
		data["parcel_number"] = after
		return &types.HealingAction{Code: e.Code, Field: "parcel_number", Before: before, After: after}, true

	case validate.CodeAddressTooShort:
		before, _ := data["address"].(string)
		var after string
		if city, ok := data["city"].(string); ok && city != "" {
			after = before + ", " + city
		} else {
			after = "Unknown Address"
		}
		data["address"] = after
		return &types.HealingAction{Code: e.Code, Field: "address", Before: before, After: after}, true

	case validate.CodeStateLength:
		before, _ := data["state"].(string)
		after := strings.ToUpper(before)
		if len(after) >= 2 {
			after = after[:2]
		} else {
			after = "XX"
		}
		data["state"] = after
		return &types.HealingAction{Code: e.Code, Field: "state", Before: before, After: after}, true

	case validate.CodeNumericNonPos:
		before := data[e.Field]
		data[e.Field] = 0.01
		return &types.HealingAction{Code: e.Code, Field: e.Field, Before: before, After: 0.01}, true

	case validate.CodeYearOutOfRange:
		before := data["year_built"]
		year, ok := asFloat(before)
		if !ok {
			return nil, false
		}
		maxYear := float64(h.now().Year())
		after := year
		if after < validate.MinYearBuilt {
			after = validate.MinYearBuilt
		}
		if after > maxYear {
			after = maxYear
		}
		data["year_built"] = int64(after)
		return &types.HealingAction{Code: e.Code, Field: "year_built", Before: before, After: int64(after)}, true
	}

	// Identity for unknown codes.
	return nil, false
}

// HealBatch heals each invalid record, returning the healed copies with
// their actions. Records whose errors could not all be addressed are
// still returned; re-validation decides their fate.
func (h *Healer) HealBatch(ctx context.Context, invalid []validate.InvalidRecord) ([]Healed, error) {
	out := make([]Healed, 0, len(invalid))
	for _, ir := range invalid {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, actions, allFixed := h.Heal(ir.Record, ir.Errors)
		out = append(out, Healed{Record: rec, Actions: actions, AllFixed: allFixed})
	}
	return out, nil
}

// Healed is one healing outcome.
type Healed struct {
	Record   *types.TransformedRecord
	Actions  []types.HealingAction
	AllFixed bool
}

// stripParcel drops every character outside [A-Z0-9-], uppercasing
// letters first so mixed-case input survives.
func stripParcel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
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
