package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
	"github.com/reglet-dev/reglet-exthost/extension"
)

const moduleWrapperHead = "(function(module, exports, console, setTimeout, clearTimeout, setInterval, clearInterval) {\n"

const moduleWrapperTail = "\n})"

type jsEngine struct {
	loader *Loader
}

// jsModule is a CommonJS-style entry evaluated in its own runtime.
type jsModule struct {
	loop       *eventLoop
	logger     *slog.Logger
	loader     *Loader
	activate   goja.Callable
	deactivate goja.Callable
	// thrown maps the error objects raised by blocked stubs back to the
	// violation they recorded. Only touched on the loop goroutine.
	thrown     map[*goja.Object]*extension.SandboxViolation
	id         string
	violations []*extension.SandboxViolation
}

type callResult struct {
	value any
	err   error
}

func (e *jsEngine) load(ctx context.Context, req loadRequest) (Module, error) {
	id := req.manifest.ID
	src, err := e.loader.readEntry(req)
	if err != nil {
		return nil, err
	}

	prg, err := goja.Compile(req.manifest.Main, moduleWrapperHead+string(src)+moduleWrapperTail, false)
	if err != nil {
		return nil, &extension.LoadError{ExtensionID: id, Reason: "syntax error", Err: err}
	}

	m := &jsModule{
		id:     id,
		loader: e.loader,
		logger: e.loader.logger.With("extension", id),
		thrown: make(map[*goja.Object]*extension.SandboxViolation),
	}
	vm := goja.New()
	m.loop = newEventLoop(vm, e.loader.fault)

	errCh := make(chan error, 1)
	submitted := m.loop.submit(func() {
		errCh <- m.evaluate(prg, e.loader.evalTimeout)
	})
	if !submitted {
		return nil, &extension.LoadError{ExtensionID: id, Reason: "runtime closed before evaluation", Err: errLoopClosed}
	}

	select {
	case err = <-errCh:
	case <-ctx.Done():
		m.loop.close()
		return nil, &extension.LoadError{ExtensionID: id, Reason: "load cancelled", Err: ctx.Err()}
	}
	if err != nil {
		m.loop.close()
		return nil, err
	}
	return m, nil
}

// evaluate runs the wrapped entry under a timeout and extracts its exports.
// Runs on the loop goroutine.
func (m *jsModule) evaluate(prg *goja.Program, timeout time.Duration) error {
	vm := m.loop.vm
	m.installGlobals(vm)

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(fmt.Sprintf("evaluation exceeded %s", timeout))
	})
	defer func() {
		timer.Stop()
		vm.ClearInterrupt()
	}()

	wrapper, err := vm.RunProgram(prg)
	if err != nil {
		return m.loadError("evaluation failed", err)
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return &extension.LoadError{ExtensionID: m.id, Reason: "entry module did not evaluate to a function"}
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	console := vm.Get("console")

	_, err = fn(goja.Undefined(),
		module, exports, console,
		vm.Get("setTimeout"), vm.Get("clearTimeout"),
		vm.Get("setInterval"), vm.Get("clearInterval"))
	if err != nil {
		return m.loadError("evaluation failed", err)
	}

	exported := module.Get("exports")
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return &extension.LoadError{ExtensionID: m.id, Reason: "missing activate export"}
	}
	obj := exported.ToObject(vm)

	activate, ok := goja.AssertFunction(obj.Get("activate"))
	if !ok {
		return &extension.LoadError{ExtensionID: m.id, Reason: "missing activate export"}
	}
	m.activate = activate
	if deactivate, ok := goja.AssertFunction(obj.Get("deactivate")); ok {
		m.deactivate = deactivate
	}
	return nil
}

func (m *jsModule) loadError(reason string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &extension.LoadError{ExtensionID: m.id, Reason: "evaluation timed out", Err: errors.New(exceptionMessage(err))}
	}
	return &extension.LoadError{ExtensionID: m.id, Reason: reason, Err: m.jsError(err)}
}

// jsError converts a goja error into a Go error, restoring the
// SandboxViolation when the exception came from a blocked stub.
func (m *jsModule) jsError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			if v, ok := m.thrown[obj]; ok {
				return v
			}
		}
		return errors.New(describeValue(ex.Value()))
	}
	return errors.New(exceptionMessage(err))
}

// Activate implements Module.
func (m *jsModule) Activate(ctx context.Context, extCtx *extension.Context) error {
	_, err := m.invoke(ctx, func() (goja.Value, error) {
		obj := m.contextObject(extCtx)
		return m.activate(goja.Undefined(), obj)
	})
	return err
}

// Deactivate implements Module.
func (m *jsModule) Deactivate(ctx context.Context) error {
	if m.deactivate == nil {
		return nil
	}
	_, err := m.invoke(ctx, func() (goja.Value, error) {
		return m.deactivate(goja.Undefined())
	})
	return err
}

// HasDeactivate implements Module.
func (m *jsModule) HasDeactivate() bool {
	return m.deactivate != nil
}

// Close implements Module.
func (m *jsModule) Close(context.Context) error {
	m.loop.close()
	return nil
}

// Violations returns the sandbox violations recorded so far.
func (m *jsModule) Violations() []*extension.SandboxViolation {
	out := make(chan []*extension.SandboxViolation, 1)
	if !m.loop.submit(func() {
		out <- append([]*extension.SandboxViolation(nil), m.violations...)
	}) {
		return nil
	}
	return <-out
}

// invoke runs call on the loop and waits for its result. Promises are
// awaited through the event loop.
func (m *jsModule) invoke(ctx context.Context, call func() (goja.Value, error)) (any, error) {
	resCh := make(chan callResult, 1)
	ok := m.loop.submit(func() {
		v, err := call()
		if err != nil {
			resCh <- callResult{err: m.jsError(err)}
			return
		}
		m.settle(v, resCh)
	})
	if !ok {
		return nil, errLoopClosed
	}

	select {
	case r := <-resCh:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.loop.done:
		return nil, errLoopClosed
	}
}

func (m *jsModule) settle(v goja.Value, resCh chan<- callResult) {
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		resCh <- callResult{value: exportValue(v)}
		return
	}

	switch p.State() {
	case goja.PromiseStateFulfilled:
		resCh <- callResult{value: exportValue(p.Result())}
	case goja.PromiseStateRejected:
		m.loop.markHandled(p)
		resCh <- callResult{err: m.rejection(p.Result())}
	default:
		vm := m.loop.vm
		onFulfilled := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			resCh <- callResult{value: exportValue(call.Argument(0))}
			return goja.Undefined()
		})
		onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			resCh <- callResult{err: m.rejection(call.Argument(0))}
			return goja.Undefined()
		})
		obj := v.ToObject(vm)
		then, _ := goja.AssertFunction(obj.Get("then"))
		if _, err := then(obj, onFulfilled, onRejected); err != nil {
			resCh <- callResult{err: m.jsError(err)}
		}
	}
}

func (m *jsModule) rejection(reason goja.Value) error {
	if obj, ok := reason.(*goja.Object); ok {
		if v, ok := m.thrown[obj]; ok {
			return v
		}
	}
	return errors.New(describeValue(reason))
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
