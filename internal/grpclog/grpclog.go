// Package grpclog is a small logging facade adapted from grpc-go's
// grpclog package. Call sites obtain a named Logger with Component and log
// through it; the global backend defaults to glog and can be swapped with
// SetBackendForTesting for unit tests that want to assert on emitted lines.
package grpclog

import (
	"fmt"
	"sync"
)

// Logger is the interface every component logger implements.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)
	Warning(args ...any)
	Warningf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
}

// Backend is the underlying sink a component logger writes through. The
// production backend is glog (see glog_backend.go); tests may install a
// fake with SetBackendForTesting.
type Backend interface {
	Info(args ...any)
	Warning(args ...any)
	Error(args ...any)
	Fatal(args ...any)
}

var (
	mu      sync.Mutex
	backend Backend = glogBackend{}
	cache           = map[string]*component{}
)

// SetBackendForTesting overrides the logging backend and returns a restore
// function. It exists so tests can capture log output instead of writing to
// stderr through glog.
func SetBackendForTesting(b Backend) (restore func()) {
	mu.Lock()
	prev := backend
	backend = b
	mu.Unlock()
	return func() {
		mu.Lock()
		backend = prev
		mu.Unlock()
	}
}

type component struct {
	name string
}

func (c *component) tag(args []any) []any {
	return append([]any{"[" + c.name + "]"}, args...)
}

func (c *component) Info(args ...any) {
	mu.Lock()
	defer mu.Unlock()
	backend.Info(c.tag(args)...)
}

func (c *component) Infof(format string, args ...any) {
	c.Info(fmt.Sprintf(format, args...))
}

func (c *component) Warning(args ...any) {
	mu.Lock()
	defer mu.Unlock()
	backend.Warning(c.tag(args)...)
}

func (c *component) Warningf(format string, args ...any) {
	c.Warning(fmt.Sprintf(format, args...))
}

func (c *component) Error(args ...any) {
	mu.Lock()
	defer mu.Unlock()
	backend.Error(c.tag(args)...)
}

func (c *component) Errorf(format string, args ...any) {
	c.Error(fmt.Sprintf(format, args...))
}

func (c *component) Fatal(args ...any) {
	mu.Lock()
	defer mu.Unlock()
	backend.Fatal(c.tag(args)...)
}

func (c *component) Fatalf(format string, args ...any) {
	c.Fatal(fmt.Sprintf(format, args...))
}

// Component returns the named logger, creating it on first use. Repeated
// calls with the same name return the same instance.
func Component(name string) Logger {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := cache[name]; ok {
		return c
	}
	c := &component{name: name}
	cache[name] = c
	return c
}
