package sandbox

import (
	"context"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// errnoNotCapable is WASI's ENOTCAPABLE.
const errnoNotCapable = 76

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// blockedWASICall is a WASI import that reaches the filesystem or the
// network. Guests get ENOTCAPABLE and a violation is recorded.
type blockedWASICall struct {
	name   string
	params []api.ValueType
}

var blockedWASICalls = []blockedWASICall{
	{"path_open", []api.ValueType{i32, i32, i32, i32, i32, i64, i64, i32, i32}},
	{"path_create_directory", []api.ValueType{i32, i32, i32}},
	{"path_remove_directory", []api.ValueType{i32, i32, i32}},
	{"path_unlink_file", []api.ValueType{i32, i32, i32}},
	{"path_rename", []api.ValueType{i32, i32, i32, i32, i32, i32}},
	{"path_symlink", []api.ValueType{i32, i32, i32, i32, i32}},
	{"path_link", []api.ValueType{i32, i32, i32, i32, i32, i32, i32}},
	{"path_readlink", []api.ValueType{i32, i32, i32, i32, i32, i32}},
	{"path_filestat_get", []api.ValueType{i32, i32, i32, i32, i32}},
	{"path_filestat_set_times", []api.ValueType{i32, i32, i32, i32, i64, i64, i32}},
	{"sock_accept", []api.ValueType{i32, i32, i32}},
	{"sock_recv", []api.ValueType{i32, i32, i32, i32, i32, i32}},
	{"sock_send", []api.ValueType{i32, i32, i32, i32, i32}},
	{"sock_shutdown", []api.ValueType{i32, i32}},
}

// instantiateWASI links wasi_snapshot_preview1 with its filesystem and
// socket calls replaced by stubs that record a SandboxViolation.
func (m *wasmModule) instantiateWASI(ctx context.Context) error {
	builder := m.runtime.NewHostModuleBuilder(wasi_snapshot_preview1.ModuleName)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)

	errno := []api.ValueType{i32}
	for _, call := range blockedWASICalls {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(m.blockedWASI(call.name), call.params, errno).
			Export(call.name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

func (m *wasmModule) blockedWASI(name string) api.GoModuleFunc {
	capability := wasi_snapshot_preview1.ModuleName + "." + name
	return func(_ context.Context, _ api.Module, stack []uint64) {
		m.loader.violation(&extension.SandboxViolation{ExtensionID: m.id, Capability: capability})
		stack[0] = errnoNotCapable
	}
}
