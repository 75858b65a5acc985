// Package jsonutil compares the shape of JSON documents. The translation
// linter uses it to find keys a translation is missing or has extra.
package jsonutil

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
)

// DifferenceType categorizes a Difference.
type DifferenceType string

const (
	// DifferenceMissing is a key present in the reference but not the target.
	DifferenceMissing DifferenceType = "missing_key"
	// DifferenceExtra is a key present in the target but not the reference.
	DifferenceExtra DifferenceType = "extra_key"
	// DifferenceTypeMismatch is a key whose JSON type differs.
	DifferenceTypeMismatch DifferenceType = "type_mismatch"
)

// Difference describes one structural difference between two documents.
type Difference struct {
	Type        DifferenceType `json:"type"`
	Path        string         `json:"path"`
	Reference   string         `json:"reference,omitempty"`
	Target      string         `json:"target,omitempty"`
	Description string         `json:"description"`
}

func (d Difference) String() string {
	return d.Description
}

// CompareStructures walks both objects and returns their differences
// sorted by path. Values are not compared, only keys and types.
func CompareStructures(reference, target map[string]any) []Difference {
	diffs := compare("", reference, target)
	slices.SortFunc(diffs, func(a, b Difference) int {
		if c := cmp.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return cmp.Compare(a.Type, b.Type)
	})
	return diffs
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func compare(path string, reference, target map[string]any) []Difference {
	var diffs []Difference
	for key, rv := range reference {
		p := join(path, key)
		tv, ok := target[key]
		if !ok {
			diffs = append(diffs, Difference{
				Type:        DifferenceMissing,
				Path:        p,
				Description: fmt.Sprintf("missing key %q", p),
			})
			continue
		}
		rt, tt := TypeOf(rv), TypeOf(tv)
		if rt != tt {
			diffs = append(diffs, Difference{
				Type:        DifferenceTypeMismatch,
				Path:        p,
				Reference:   rt,
				Target:      tt,
				Description: fmt.Sprintf("key %q is %s, expected %s", p, tt, rt),
			})
			continue
		}
		if rt == "object" {
			diffs = append(diffs, compare(p, rv.(map[string]any), tv.(map[string]any))...)
		}
	}
	for key := range target {
		if _, ok := reference[key]; !ok {
			p := join(path, key)
			diffs = append(diffs, Difference{
				Type:        DifferenceExtra,
				Path:        p,
				Description: fmt.Sprintf("unexpected key %q", p),
			})
		}
	}
	return diffs
}

// TypeOf names the JSON type of a decoded value.
func TypeOf(v any) string {
	if v == nil {
		return "null"
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.Float64, reflect.Int, reflect.Int64:
		return "number"
	case reflect.String:
		return "string"
	case reflect.Slice:
		return "array"
	case reflect.Map:
		return "object"
	default:
		return "unknown"
	}
}
