// Package grpctest implements testing helpers for this module's test files;
// at present only its own tests use it. It is adapted from the subtest runner used throughout grpc-go: tests
// embed Tester and define one Test* method per case, and RunSubTests drives
// them all as named subtests with consistent Setup/Teardown hooks.
package grpctest

import (
	"reflect"
	"strings"
	"testing"
)

// Tester is embedded by test suites to get default no-op Setup/Teardown
// behavior. Suites that need goroutine or timer bookkeeping can override
// either method.
type Tester struct{}

// Setup runs before every subtest. The default implementation does nothing.
func (Tester) Setup(*testing.T) {}

// Teardown runs after every subtest, even if the subtest calls t.Fatal.
func (Tester) Teardown(*testing.T) {}

// Interface defines Tester's methods for use by RunSubTests.
type Interface interface {
	Setup(*testing.T)
	Teardown(*testing.T)
}

func getTestFunc(t *testing.T, xv reflect.Value, name string) func(*testing.T) {
	if m := xv.MethodByName(name); m.IsValid() {
		if f, ok := m.Interface().(func(*testing.T)); ok {
			return f
		}
		t.Fatalf("grpctest: function %v has unexpected signature (%T)", name, m.Interface())
	}
	return func(*testing.T) {}
}

// RunSubTests runs every "Test___" method of x as a named subtest of t,
// bracketed by x.Setup and x.Teardown.
func RunSubTests(t *testing.T, x Interface) {
	xt := reflect.TypeOf(x)
	xv := reflect.ValueOf(x)

	for i := 0; i < xt.NumMethod(); i++ {
		methodName := xt.Method(i).Name
		if !strings.HasPrefix(methodName, "Test") {
			continue
		}
		tfunc := getTestFunc(t, xv, methodName)
		t.Run(strings.TrimPrefix(methodName, "Test"), func(t *testing.T) {
			t.Cleanup(func() { x.Teardown(t) })
			x.Setup(t)
			tfunc(t)
		})
	}
}
