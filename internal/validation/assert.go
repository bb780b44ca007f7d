// Package validation enforces constructor contracts. A missing mandatory
// dependency is a programmer error, so the helpers panic instead of returning errors.
package validation

import (
	"fmt"
	"reflect"
)

// AssertNotNil panics if the provided pointer is nil.
//
// Usage:
//
//	validation.AssertNotNil(cfg, "sweep config")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// AssertDependency panics if dep is nil, including a typed nil stored in an interface
// (e.g. a nil *PostgresStore passed as store.Store).
//
// Usage:
//
//	validation.AssertDependency(repo, "member repository")
func AssertDependency(dep any, name string) {
	if isNil(dep) {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
