package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/reglet-dev/reglet-exthost/extension"
)

// blockedGlobals are names extension code commonly reaches for to get
// module resolution, process, or network access. Touching any of them
// records a violation and throws.
var blockedGlobals = []string{
	"require",
	"process",
	"fetch",
	"XMLHttpRequest",
	"WebSocket",
	"importScripts",
	"Deno",
	"Bun",
}

// installGlobals sets up the allowlisted bindings. Runs on the loop goroutine.
func (m *jsModule) installGlobals(vm *goja.Runtime) {
	global := vm.GlobalObject()

	_ = global.Set("console", m.consoleObject(vm))
	_ = global.Set("setTimeout", m.timerFunc(vm, false))
	_ = global.Set("setInterval", m.timerFunc(vm, true))
	clearTimer := func(call goja.FunctionCall) goja.Value {
		m.loop.clearTimer(call.Argument(0).ToInteger())
		return goja.Undefined()
	}
	_ = global.Set("clearTimeout", clearTimer)
	_ = global.Set("clearInterval", clearTimer)

	for _, name := range blockedGlobals {
		getter := vm.ToValue(m.blockedStub(vm, name))
		_ = global.DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_FALSE)
	}
}

func (m *jsModule) blockedStub(vm *goja.Runtime, capability string) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		v := &extension.SandboxViolation{ExtensionID: m.id, Capability: capability}
		m.violations = append(m.violations, v)
		m.loader.violation(v)

		errObj := vm.NewTypeError(v.Error())
		m.thrown[errObj] = v
		panic(errObj)
	}
}

func (m *jsModule) timerFunc(vm *goja.Runtime, interval bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		return vm.ToValue(m.loop.setTimer(fn, delay, args, interval))
	}
}

func (m *jsModule) consoleObject(vm *goja.Runtime) *goja.Object {
	console := vm.NewObject()
	levels := map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, level := range levels {
		_ = console.Set(name, m.logFunc(level))
	}
	return console
}

func (m *jsModule) logFunc(level slog.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, formatLogArg(arg))
		}
		m.logger.Log(context.Background(), level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func formatLogArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return describeValue(v)
		}
		if b, err := json.Marshal(obj.Export()); err == nil {
			return string(b)
		}
	}
	return v.String()
}

// contextObject builds the frozen capability object passed to activate().
// Runs on the loop goroutine.
func (m *jsModule) contextObject(extCtx *extension.Context) *goja.Object {
	vm := m.loop.vm
	logger := m.logger
	if extCtx.Logger != nil {
		logger = extCtx.Logger
	}

	commands := vm.NewObject()
	_ = commands.Set("registerCommand", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		fn := m.requireFunction(vm, "registerCommand", call.Argument(1))
		extCtx.Commands.RegisterCommand(id, func(ctx context.Context, args []any) (any, error) {
			return m.invoke(ctx, func() (goja.Value, error) {
				vals := make([]goja.Value, 0, len(args))
				for _, a := range args {
					vals = append(vals, vm.ToValue(a))
				}
				return fn(goja.Undefined(), vals...)
			})
		})
		return goja.Undefined()
	})

	views := vm.NewObject()
	_ = views.Set("registerViewProvider", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		fn := m.requireFunction(vm, "registerViewProvider", call.Argument(1))
		extCtx.Views.RegisterViewProvider(id, func(ctx context.Context) (any, error) {
			return m.invoke(ctx, func() (goja.Value, error) {
				return fn(goja.Undefined())
			})
		})
		return goja.Undefined()
	})

	tools := vm.NewObject()
	_ = tools.Set("registerTool", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn := m.requireFunction(vm, "registerTool", call.Argument(1))
		extCtx.Tools.RegisterTool(name, func(ctx context.Context, input any) (any, error) {
			return m.invoke(ctx, func() (goja.Value, error) {
				return fn(goja.Undefined(), vm.ToValue(input))
			})
		})
		return goja.Undefined()
	})

	log := vm.NewObject()
	for name, level := range map[string]slog.Level{"info": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError} {
		_ = log.Set(name, func(call goja.FunctionCall) goja.Value {
			logger.Log(context.Background(), level, call.Argument(0).String())
			return goja.Undefined()
		})
	}

	obj := vm.NewObject()
	_ = obj.Set("extensionId", extCtx.ExtensionID)
	_ = obj.Set("extensionPath", extCtx.ExtensionPath)
	_ = obj.Set("commands", commands)
	_ = obj.Set("views", views)
	_ = obj.Set("tools", tools)
	_ = obj.Set("log", log)

	freeze(vm, commands, views, tools, log, obj)
	return obj
}

func (m *jsModule) requireFunction(vm *goja.Runtime, method string, v goja.Value) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic(vm.NewTypeError(method + ": handler must be a function"))
	}
	return fn
}

func freeze(vm *goja.Runtime, objs ...*goja.Object) {
	freezeFn, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))
	if !ok {
		return
	}
	for _, o := range objs {
		_, _ = freezeFn(goja.Undefined(), o)
	}
}
