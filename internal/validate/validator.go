// Package validate enforces per-entity business invariants on
// transformed records before they reach the target store.
package validate

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/camatools/pacsync/internal/types"
)

// Error codes. The self-healer keys its corrective strategies on these.
const (
	CodeParcelRequired   = "PARCEL_REQUIRED"
	CodeParcelFormat     = "PARCEL_FORMAT"
	CodeAddressTooShort  = "ADDRESS_TOO_SHORT"
	CodeStateLength      = "STATE_LENGTH"
	CodeNumericNonPos    = "NUMERIC_NONPOS"
	CodeYearOutOfRange   = "YEAR_OUT_OF_RANGE"
	CodeRefMissing       = "REF_MISSING"
	CodeValueSumMismatch = "VALUE_SUM_MISMATCH"
)

// MinYearBuilt is the oldest plausible construction year.
const MinYearBuilt = 1700

// valueSumTolerance absorbs rounding drift between the three valuation
// components.
const valueSumTolerance = 1.0

var parcelRe = regexp.MustCompile(`^[A-Z0-9-]+$`)

// Validator checks transformed records. now is injectable so year-range
// tests are reproducible.
type Validator struct {
	now func() time.Time
}

// New creates a Validator using the wall clock.
func New() *Validator {
	return &Validator{now: time.Now}
}

// NewAt creates a Validator with a fixed clock (tests).
func NewAt(now func() time.Time) *Validator {
	return &Validator{now: now}
}

// Validate checks one record. validParentIDs is the set of target-side
// property IDs a foreign reference may legally point at (already-valid
// properties in the batch plus those resolvable in the target store).
// Validation is pure: calling it twice yields identical results.
func (v *Validator) Validate(rec *types.TransformedRecord, validParentIDs map[string]bool) types.ValidationResult {
	var errs []types.ValidationError
	switch rec.EntityType {
	case types.EntityProperty:
		errs = v.validateProperty(rec)
	case types.EntityValue:
		errs = append(errs, v.validateRef(rec, validParentIDs)...)
		errs = append(errs, v.validateValueSums(rec)...)
	case types.EntityOwner, types.EntityStructure:
		errs = v.validateRef(rec, validParentIDs)
	}
	return types.ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

// BatchValidate partitions records into valid and invalid. Input order
// is preserved within each partition.
func (v *Validator) BatchValidate(ctx context.Context, records []*types.TransformedRecord, validParentIDs map[string]bool) (valid []*types.TransformedRecord, invalid []InvalidRecord, err error) {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		res := v.Validate(rec, validParentIDs)
		if res.IsValid {
			valid = append(valid, rec)
		} else {
			invalid = append(invalid, InvalidRecord{Record: rec, Errors: res.Errors})
		}
	}
	return valid, invalid, nil
}

// InvalidRecord pairs a rejected record with its rule violations.
type InvalidRecord struct {
	Record *types.TransformedRecord
	Errors []types.ValidationError
}

func (v *Validator) validateProperty(rec *types.TransformedRecord) []types.ValidationError {
	var errs []types.ValidationError
	data := rec.TargetData

	parcel, ok := data["parcel_number"].(string)
	if !ok || parcel == "" {
		errs = append(errs, types.ValidationError{
			Field: "parcel_number", Code: CodeParcelRequired,
			Message: "parcel_number is required",
		})
	} else if !parcelRe.MatchString(parcel) {
		errs = append(errs, types.ValidationError{
			Field: "parcel_number", Code: CodeParcelFormat,
			Message: fmt.Sprintf("parcel_number %q contains characters outside [A-Z0-9-]", parcel),
		})
	}

	if addr, ok := data["address"].(string); ok && len(addr) < 5 {
		errs = append(errs, types.ValidationError{
			Field: "address", Code: CodeAddressTooShort,
			Message: fmt.Sprintf("address %q shorter than 5 characters", addr),
		})
	}

	if state, ok := data["state"].(string); ok && len(state) != 2 {
		errs = append(errs, types.ValidationError{
			Field: "state", Code: CodeStateLength,
			Message: fmt.Sprintf("state %q must be exactly 2 characters", state),
		})
	}

	if acreage, ok := numeric(data["acreage"]); ok && acreage <= 0 {
		errs = append(errs, types.ValidationError{
			Field: "acreage", Code: CodeNumericNonPos,
			Message: fmt.Sprintf("acreage %v must be positive", acreage),
		})
	}

	if year, ok := numeric(data["year_built"]); ok {
		maxYear := float64(v.now().Year())
		if year < MinYearBuilt || year > maxYear {
			errs = append(errs, types.ValidationError{
				Field: "year_built", Code: CodeYearOutOfRange,
				Message: fmt.Sprintf("year_built %v outside [%d, %d]", year, MinYearBuilt, int(maxYear)),
			})
		}
	}
	return errs
}

func (v *Validator) validateRef(rec *types.TransformedRecord, validParentIDs map[string]bool) []types.ValidationError {
	pid, ok := rec.TargetData["property_id"].(string)
	if !ok || pid == "" || !validParentIDs[pid] {
		return []types.ValidationError{{
			Field: "property_id", Code: CodeRefMissing,
			Message: "property_id does not resolve to a validated property",
		}}
	}
	return nil
}

func (v *Validator) validateValueSums(rec *types.TransformedRecord) []types.ValidationError {
	land, okL := numeric(rec.TargetData["land_value"])
	improvement, okI := numeric(rec.TargetData["improvement_value"])
	market, okM := numeric(rec.TargetData["market_value"])
	if !okL || !okI || !okM {
		return nil
	}
	delta := land + improvement - market
	if delta < 0 {
		delta = -delta
	}
	if delta > valueSumTolerance {
		return []types.ValidationError{{
			Field: "market_value", Code: CodeValueSumMismatch,
			Message: fmt.Sprintf("land %v + improvement %v != market %v", land, improvement, market),
		}}
	}
	return nil
}

func numeric(v interface{}) (float64, bool) {
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
