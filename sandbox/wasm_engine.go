package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import module WASM extensions link against.
const hostModuleName = "exthost"

type wasmEngine struct {
	loader *Loader
}

// wasmModule is an instantiated WebAssembly entry. Guest calls are
// serialized; the guest is single threaded.
type wasmModule struct {
	loader  *Loader
	runtime wazero.Runtime
	module  api.Module
	logger  *slog.Logger
	extCtx  atomic.Pointer[extension.Context]
	id      string
	mu      sync.Mutex
}

// invocation is the JSON payload passed to the guest's invoke export.
type invocation struct {
	Input any    `json:"input,omitempty"`
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Args  []any  `json:"args,omitempty"`
}

type invocationResult struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type registration struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (e *wasmEngine) load(ctx context.Context, req loadRequest) (Module, error) {
	id := req.manifest.ID
	wasmBytes, err := e.loader.readEntry(req)
	if err != nil {
		return nil, err
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.loader.memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(e.loader.memoryLimitPages)
	}
	if e.loader.cache != nil {
		cfg = cfg.WithCompilationCache(e.loader.cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	m := &wasmModule{
		loader:  e.loader,
		runtime: rt,
		id:      id,
		logger:  e.loader.logger.With("extension", id),
	}

	fail := func(reason string, err error) (Module, error) {
		_ = rt.Close(ctx)
		return nil, &extension.LoadError{ExtensionID: id, Reason: reason, Err: err}
	}

	// WASI is linked for guests built against it, but the module config
	// below grants no preopens, env, args or stdio, and path and socket
	// calls are stubbed out.
	if err := m.instantiateWASI(ctx); err != nil {
		return fail("failed to instantiate WASI", err)
	}
	if err := m.registerHostFunctions(ctx); err != nil {
		return fail("failed to register host functions", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fail("invalid WebAssembly module", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName(id).
		WithStartFunctions()

	// The start section and _initialize share one evaluation deadline.
	evalCtx, cancel := context.WithTimeout(ctx, e.loader.evalTimeout)
	defer cancel()
	timedOut := func(err error) bool {
		return err != nil && errors.Is(evalCtx.Err(), context.DeadlineExceeded)
	}

	mod, err := rt.InstantiateModule(evalCtx, compiled, modCfg)
	if timedOut(err) {
		return fail("evaluation timed out", err)
	}
	if err != nil {
		return fail("failed to instantiate module", err)
	}
	m.module = mod

	if init := mod.ExportedFunction("_initialize"); init != nil {
		_, err := init.Call(evalCtx)
		if timedOut(err) {
			return fail("evaluation timed out", err)
		}
		if err != nil {
			return fail("failed to call _initialize", err)
		}
	}

	if mod.ExportedFunction("activate") == nil {
		return fail("missing activate export", nil)
	}
	return m, nil
}

func (m *wasmModule) registerHostFunctions(ctx context.Context) error {
	packed := []api.ValueType{api.ValueTypeI64}
	none := []api.ValueType{}

	_, err := m.runtime.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(logMessage(m.logger), packed, none).
		Export("log_message").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.registerCommand), packed, none).
		Export("register_command").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.registerTool), packed, none).
		Export("register_tool").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.registerView), packed, none).
		Export("register_view").
		Instantiate(ctx)
	return err
}

func (m *wasmModule) readRegistration(ctx context.Context, mod api.Module, packed uint64) (*extension.Context, registration, bool) {
	var reg registration
	extCtx := m.extCtx.Load()
	if extCtx == nil {
		m.logger.WarnContext(ctx, "wasm: registration outside of activate ignored")
		return nil, reg, false
	}
	ptr, length := unpackPtrLen(packed)
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		m.logger.ErrorContext(ctx, "wasm: failed to read registration from guest memory", "ptr", ptr, "len", length)
		return nil, reg, false
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		m.logger.ErrorContext(ctx, "wasm: failed to unmarshal registration", "error", err)
		return nil, reg, false
	}
	return extCtx, reg, true
}

func (m *wasmModule) registerCommand(ctx context.Context, mod api.Module, stack []uint64) {
	extCtx, reg, ok := m.readRegistration(ctx, mod, stack[0])
	if !ok {
		return
	}
	id := reg.ID
	extCtx.Commands.RegisterCommand(id, func(ctx context.Context, args []any) (any, error) {
		return m.invoke(ctx, invocation{Kind: "command", ID: id, Args: args})
	})
}

func (m *wasmModule) registerTool(ctx context.Context, mod api.Module, stack []uint64) {
	extCtx, reg, ok := m.readRegistration(ctx, mod, stack[0])
	if !ok {
		return
	}
	name := reg.Name
	extCtx.Tools.RegisterTool(name, func(ctx context.Context, input any) (any, error) {
		return m.invoke(ctx, invocation{Kind: "tool", ID: name, Input: input})
	})
}

func (m *wasmModule) registerView(ctx context.Context, mod api.Module, stack []uint64) {
	extCtx, reg, ok := m.readRegistration(ctx, mod, stack[0])
	if !ok {
		return
	}
	id := reg.ID
	extCtx.Views.RegisterViewProvider(id, func(ctx context.Context) (any, error) {
		return m.invoke(ctx, invocation{Kind: "view", ID: id})
	})
}

// Activate implements Module.
func (m *wasmModule) Activate(ctx context.Context, extCtx *extension.Context) error {
	m.extCtx.Store(extCtx)
	return m.callLifecycle(ctx, "activate")
}

// Deactivate implements Module.
func (m *wasmModule) Deactivate(ctx context.Context) error {
	if !m.HasDeactivate() {
		return nil
	}
	return m.callLifecycle(ctx, "deactivate")
}

// HasDeactivate implements Module.
func (m *wasmModule) HasDeactivate() bool {
	return m.module.ExportedFunction("deactivate") != nil
}

// Close implements Module.
func (m *wasmModule) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// callLifecycle calls a no-argument export. A non-zero i32 result is a failure.
func (m *wasmModule) callLifecycle(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn := m.module.ExportedFunction(name)
	if fn == nil {
		return fmt.Errorf("function %q not exported", name)
	}
	res, err := fn.Call(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	if len(res) > 0 && res[0] != 0 {
		return fmt.Errorf("%s returned status %d", name, int32(res[0])) //nolint:gosec // i32 result
	}
	return nil
}

// invoke calls the guest's invoke export with a JSON invocation and
// decodes the JSON result it returns as packed ptr/len.
func (m *wasmModule) invoke(ctx context.Context, inv invocation) (any, error) {
	input, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fn := m.module.ExportedFunction("invoke")
	if fn == nil {
		return nil, errors.New("extension does not export invoke")
	}
	allocate := m.module.ExportedFunction("allocate")
	if allocate == nil {
		return nil, errors.New("extension does not export allocate")
	}

	callCtx := context.WithoutCancel(ctx)
	res, err := allocate.Call(callCtx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("allocate failed: %w", err)
	}
	ptr := uint32(res[0]) //nolint:gosec // WASM pointers are 32-bit
	if !m.module.Memory().Write(ptr, input) {
		return nil, errors.New("failed to write invocation to guest memory")
	}

	res, err = fn.Call(callCtx, packPtrLen(ptr, uint32(len(input)))) //nolint:gosec // bounded by guest memory
	if err != nil {
		return nil, fmt.Errorf("invoke failed: %w", err)
	}

	outPtr, outLen := unpackPtrLen(res[0])
	if outLen == 0 {
		return nil, nil
	}
	data, ok := m.module.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, errors.New("failed to read result from guest memory")
	}

	var out invocationResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	return out.Result, nil
}
