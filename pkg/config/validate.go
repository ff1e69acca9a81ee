package config

import (
	"fmt"
	"reflect"
	"strings"
)

// RequiredFields fails when any named field holds its zero value. Nested
// fields use dot notation, e.g. "Store.DSN".
func RequiredFields(fields ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		root := deref(reflect.ValueOf(config))
		if root.Kind() != reflect.Struct {
			return fmt.Errorf("config must be a struct")
		}
		var missing []string
		for _, name := range fields {
			fv := fieldByPath(root, name)
			if !fv.IsValid() {
				return fmt.Errorf("field %s not found in config", name)
			}
			if fv.IsZero() {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required config fields missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// Range fails when a numeric field falls outside [min, max].
func Range(field string, min, max float64) Validator {
	return ValidatorFunc(func(config interface{}) error {
		fv := fieldByPath(deref(reflect.ValueOf(config)), field)
		if !fv.IsValid() {
			return fmt.Errorf("field %s not found in config", field)
		}
		var n float64
		switch fv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = float64(fv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n = float64(fv.Uint())
		case reflect.Float32, reflect.Float64:
			n = fv.Float()
		default:
			return fmt.Errorf("field %s is not numeric", field)
		}
		if n < min || n > max {
			return fmt.Errorf("field %s = %v is outside [%v, %v]", field, n, min, max)
		}
		return nil
	})
}

// OneOf fails when a field value is not in the allowed set.
func OneOf(field string, allowed ...interface{}) Validator {
	return ValidatorFunc(func(config interface{}) error {
		fv := fieldByPath(deref(reflect.ValueOf(config)), field)
		if !fv.IsValid() {
			return fmt.Errorf("field %s not found in config", field)
		}
		for _, a := range allowed {
			if reflect.DeepEqual(fv.Interface(), a) {
				return nil
			}
		}
		return fmt.Errorf("field %s = %v is not one of %v", field, fv.Interface(), allowed)
	})
}

func deref(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return v
}

func fieldByPath(v reflect.Value, path string) reflect.Value {
	for _, part := range strings.Split(path, ".") {
		v = deref(v)
		if v.Kind() != reflect.Struct {
			return reflect.Value{}
		}
		v = v.FieldByName(part)
		if !v.IsValid() {
			return reflect.Value{}
		}
	}
	return v
}
