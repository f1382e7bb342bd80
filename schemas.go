package duron

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/duron-io/duron/internal/domain"
)

// validate is the shared validation and coercion layer for action
// input/output at the component boundary. Input and output schemas are
// ordinary Go structs validated by go-playground/validator struct tags.
var validate = validator.New(validator.WithRequiredStructEnabled())

// validateShape runs struct-tag validation over v, wrapping any failure as
// a domain.ValidationError so callers only need to check for that one
// kind. Action input/output "shapes" are required to describe object
// shapes, so this only validates when v is a struct or a pointer to one;
// anything else is left to the caller's own json.Unmarshal error handling.
func validateShape(subject string, v any) error {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	if err := validate.Struct(v); err != nil {
		return domain.NewValidation(subject, fmt.Errorf("%w", err))
	}
	return nil
}

// sampleShape deterministically populates a zero value of type t so
// GetActionsMetadata can show callers a concrete example of an action's
// input "shape" without requiring a schema-generation library (see
// DESIGN.md). Sampling is pure reflection over field kinds; the same type
// always yields the same value, so the Client can cache the result per
// action name indefinitely.
func sampleShape(t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.Ptr:
		v := reflect.New(t.Elem())
		v.Elem().Set(sampleShape(t.Elem()))
		return v
	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return reflect.ValueOf(time.Unix(0, 0).UTC())
		}
		v := reflect.New(t).Elem()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			v.Field(i).Set(sampleShape(field.Type))
		}
		return v
	case reflect.String:
		return reflect.ValueOf("string").Convert(t)
	case reflect.Bool:
		return reflect.ValueOf(true).Convert(t)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return reflect.ValueOf(int64(1)).Convert(t)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return reflect.ValueOf(uint64(1)).Convert(t)
	case reflect.Float32, reflect.Float64:
		return reflect.ValueOf(float64(1)).Convert(t)
	case reflect.Slice:
		v := reflect.MakeSlice(t, 1, 1)
		v.Index(0).Set(sampleShape(t.Elem()))
		return v
	case reflect.Map:
		v := reflect.MakeMapWithSize(t, 1)
		v.SetMapIndex(sampleShape(t.Key()), sampleShape(t.Elem()))
		return v
	default:
		return reflect.Zero(t)
	}
}
