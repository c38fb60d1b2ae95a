package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexora/kit/secret"
)

const redacted = "[REDACTED]"

// sensitiveKeys are replaced in Dump unless they hold a secret reference.
var sensitiveKeys = map[string]bool{
	"signing-key": true,
	"password":    true,
	"token":       true,
}

// Dump renders cfg as YAML with sensitive values redacted.
func Dump(cfg *Config) ([]byte, error) {
	tree := toMap(cfg)
	redact(tree)
	out, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("config: dump: %w", err)
	}
	return out, nil
}

func redact(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && sensitiveKeys[k] {
				if s != "" && !strings.HasPrefix(s, secret.RefPrefix) {
					t[k] = redacted
				}
				continue
			}
			redact(val)
		}
	case []any:
		for _, val := range t {
			redact(val)
		}
	}
}

var durationType = reflect.TypeFor[time.Duration]()

// toMap converts v into maps, slices and scalars keyed by mapstructure tags.
// Durations become strings, and empty maps and slices are dropped.
func toMap(v any) any {
	return toValue(reflect.ValueOf(v))
}

func toValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return toValue(v.Elem())

	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			name := f.Tag.Get("mapstructure")
			if !f.IsExported() || name == "" || name == "-" {
				continue
			}
			if val := toValue(v.Field(i)); val != nil {
				out[name] = val
			}
		}
		return out

	case reflect.Map:
		if v.Len() == 0 {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = toValue(iter.Value())
		}
		return out

	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return nil
		}
		out := make([]any, v.Len())
		for i := range v.Len() {
			out[i] = toValue(v.Index(i))
		}
		return out

	default:
		return v.Interface()
	}
}
