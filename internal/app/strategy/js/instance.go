// Package js runs strategy policies written in JavaScript on goja.
package js

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ErrFunctionMissing is returned when a policy does not define a function.
var ErrFunctionMissing = errors.New("policy function missing")

var errTimeout = errors.New("policy call timed out")

type callResult struct {
	value goja.Value
	err   error
}

type call struct {
	timeout time.Duration
	run     func(*goja.Runtime) (goja.Value, error)
	done    chan<- callResult
}

// Instance owns a goja runtime. goja is not goroutine safe, so every call is
// handed to a single worker goroutine.
type Instance struct {
	name    string
	rt      *goja.Runtime
	exports *goja.Object
	calls   chan call
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewInstance evaluates program. Functions may be exported through
// module.exports / exports or declared at top level.
func NewInstance(name string, program *goja.Program) (*Instance, error) {
	if program == nil {
		return nil, fmt.Errorf("policy %s: no program", name)
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	exports, err := evaluate(rt, program)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	inst := &Instance{
		name:    name,
		rt:      rt,
		exports: exports,
		calls:   make(chan call),
		stopped: make(chan struct{}),
	}
	go inst.serve()
	return inst, nil
}

func (i *Instance) serve() {
	defer close(i.stopped)
	for c := range i.calls {
		c.done <- i.invoke(c)
	}
}

func (i *Instance) invoke(c call) (res callResult) {
	if c.timeout > 0 {
		timer := time.AfterFunc(c.timeout, func() { i.rt.Interrupt(errTimeout) })
		defer func() {
			timer.Stop()
			i.rt.ClearInterrupt()
		}()
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = callResult{err: fmt.Errorf("policy %s: panic: %v", i.name, rec)}
		}
	}()
	v, err := c.run(i.rt)
	return callResult{value: v, err: err}
}

// lookup resolves fn on the exports object first, then on the global scope.
// Runs on the worker goroutine only.
func (i *Instance) lookup(fn string) (goja.Callable, bool) {
	for _, obj := range []*goja.Object{i.exports, i.rt.GlobalObject()} {
		if obj == nil {
			continue
		}
		if callable, ok := goja.AssertFunction(obj.Get(fn)); ok {
			return callable, true
		}
	}
	return nil, false
}

// Has reports whether fn is defined and callable.
func (i *Instance) Has(fn string) bool {
	_, err := i.submit(0, func(*goja.Runtime) (goja.Value, error) {
		if _, ok := i.lookup(fn); !ok {
			return nil, ErrFunctionMissing
		}
		return goja.Undefined(), nil
	})
	return err == nil
}

// Call invokes fn with args converted to JS values. A positive timeout
// interrupts scripts that run longer.
func (i *Instance) Call(timeout time.Duration, fn string, args ...any) (goja.Value, error) {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return nil, fmt.Errorf("policy %s: function name required", i.name)
	}
	return i.submit(timeout, func(rt *goja.Runtime) (goja.Value, error) {
		callable, ok := i.lookup(fn)
		if !ok {
			return nil, ErrFunctionMissing
		}
		params := make([]goja.Value, 0, len(args))
		for _, arg := range args {
			params = append(params, rt.ToValue(arg))
		}
		return callable(goja.Undefined(), params...)
	})
}

func (i *Instance) submit(timeout time.Duration, run func(*goja.Runtime) (goja.Value, error)) (goja.Value, error) {
	if i == nil {
		return nil, errors.New("policy: nil instance")
	}
	done := make(chan callResult, 1)

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, fmt.Errorf("policy %s: closed", i.name)
	}
	i.calls <- call{timeout: timeout, run: run, done: done}
	i.mu.RUnlock()

	res := <-done
	return res.value, res.err
}

// Close stops the worker after any in-flight call. Safe to call twice.
func (i *Instance) Close() {
	if i == nil {
		return
	}
	i.mu.Lock()
	if !i.closed {
		i.closed = true
		close(i.calls)
	}
	i.mu.Unlock()
	<-i.stopped
}

// evaluate runs program with CommonJS-style module and exports bindings and
// returns whatever module.exports ends up pointing at.
func evaluate(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	module := rt.NewObject()
	if err := module.Set("exports", rt.NewObject()); err != nil {
		return nil, err
	}
	if err := rt.Set("module", module); err != nil {
		return nil, err
	}
	if err := rt.Set("exports", module.Get("exports")); err != nil {
		return nil, err
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	exports, ok := module.Get("exports").(*goja.Object)
	if !ok {
		return nil, errors.New("module.exports must be an object")
	}
	return exports, nil
}
