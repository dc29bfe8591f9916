// Package validation validates the mutating inputs of the lifecycle
// controller. Struct-tag rules run through go-playground/validator; the
// rules tags cannot express (date ordering, the moratorium duration
// bound, geometry presence) are composable check functions.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Check validates one aspect of an input and returns a typed error on
// failure. Checks compose with Chain.
type Check func() error

// Chain runs checks in order; the first failure stops the chain.
func Chain(checks ...Check) error {
	for _, c := range checks {
		if err := c(); err != nil {
			return err
		}
	}
	return nil
}

// Struct runs validator/v10 tag validation and converts failures into a
// field-keyed invalid-input error.
func Struct(v interface{}) Check {
	return func() error {
		err := validate.Struct(v)
		if err == nil {
			return nil
		}
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return apperr.Internal("input validation", err)
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			name := fe.Field()
			fields[strings.ToLower(name[:1])+name[1:]] = fmt.Sprintf("failed %q constraint", fe.Tag())
		}
		return apperr.InvalidInputFields(fields)
	}
}

// DateOrder requires end >= start.
func DateOrder(start, end dates.Date) Check {
	return func() error {
		if end.Before(start) {
			return apperr.InvalidInput("endDate", "must not be before startDate")
		}
		return nil
	}
}

// DatesPresent requires both interval endpoints to be set.
func DatesPresent(start, end dates.Date, startField, endField string) Check {
	return func() error {
		if start.IsZero() {
			return apperr.InvalidInput(startField, "is required")
		}
		if end.IsZero() {
			return apperr.InvalidInput(endField, "is required")
		}
		return nil
	}
}

// GeometryPresent requires a parsed geometry.
func GeometryPresent(g geo.Geometry) Check {
	return func() error {
		if g.IsZero() {
			return apperr.InvalidInput("geometry", "is required")
		}
		return nil
	}
}

// MoratoriumDuration enforces validTo <= validFrom + MaxMoratoriumYears,
// with exact add-year arithmetic on the year field.
func MoratoriumDuration(from, to dates.Date) Check {
	return func() error {
		limit := from.AddYears(types.MaxMoratoriumYears)
		if to.After(limit) {
			return apperr.DurationExceeded(fmt.Sprintf(
				"moratorium validity may span at most %d years (validTo %s exceeds %s)",
				types.MaxMoratoriumYears, to, limit))
		}
		return nil
	}
}

// CommentContent requires trimmed non-empty content within the length cap.
func CommentContent(content string) Check {
	return func() error {
		trimmed := strings.TrimSpace(content)
		if trimmed == "" {
			return apperr.InvalidInput("content", "must not be empty")
		}
		if utf8.RuneCountInString(trimmed) > types.MaxCommentLength {
			return apperr.InvalidInput("content", fmt.Sprintf("must be at most %d characters", types.MaxCommentLength))
		}
		return nil
	}
}

// InitialState requires a legal creation state.
func InitialState(s types.ProjectState) Check {
	return func() error {
		for _, allowed := range types.InitialStates {
			if s == allowed {
				return nil
			}
		}
		return apperr.InvalidInput("state", fmt.Sprintf("projects are created in %v, got %q", types.InitialStates, s))
	}
}
