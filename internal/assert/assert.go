// Package assert provides minimal test assertion helpers used throughout
// this module's test suite. The driver intentionally avoids a third-party
// assertion/mocking library so that its test surface stays as dependency-free
// as its production surface.
package assert

import (
	"math"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

// Equal asserts that want and got are deeply equal.
func Equal(t *testing.T, want, got interface{}, msg string, args ...interface{}) bool {
	t.Helper()
	if !reflect.DeepEqual(want, got) {
		t.Errorf(msg, args...)
		return false
	}
	return true
}

// NotEqual asserts that want and got are not deeply equal.
func NotEqual(t *testing.T, want, got interface{}, msg string, args ...interface{}) bool {
	t.Helper()
	if reflect.DeepEqual(want, got) {
		t.Errorf(msg, args...)
		return false
	}
	return true
}

// True asserts that got is true.
func True(t *testing.T, got bool, msg string, args ...interface{}) bool {
	t.Helper()
	if !got {
		t.Errorf(msg, args...)
		return false
	}
	return true
}

// False asserts that got is false.
func False(t *testing.T, got bool, msg string, args ...interface{}) bool {
	t.Helper()
	if got {
		t.Errorf(msg, args...)
		return false
	}
	return true
}

// Nil asserts that got is nil.
func Nil(t *testing.T, got interface{}, msg string, args ...interface{}) bool {
	t.Helper()
	if !isNil(got) {
		t.Errorf(msg, args...)
		return false
	}
	return true
}

// NotNil asserts that got is not nil.
func NotNil(t *testing.T, got interface{}, msg string, args ...interface{}) bool {
	t.Helper()
	if isNil(got) {
		t.Errorf(msg, args...)
		return false
	}
	return true
}

// NoError asserts that err is nil, dumping it with spew on failure so
// structured errors (e.g. driver.Error) print their fields, not just Error().
func NoError(t *testing.T, err error, msg string, args ...interface{}) bool {
	t.Helper()
	if err != nil {
		t.Errorf(msg+": %s", append(args, spew.Sdump(err))...)
		return false
	}
	return true
}

// Lessf asserts that a < b.
func Lessf(t *testing.T, a, b float64, msg string, args ...interface{}) bool {
	t.Helper()
	if !(a < b) {
		t.Errorf(msg, args...)
		return false
	}
	return true
}

// InDeltaf asserts that a and b differ by no more than delta.
func InDeltaf(t *testing.T, a, b, delta float64, msg string, args ...interface{}) bool {
	t.Helper()
	if math.Abs(a-b) > delta {
		t.Errorf(msg, args...)
		return false
	}
	return true
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
