package exthost_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exthost "github.com/reglet-dev/reglet-exthost"
	"github.com/reglet-dev/reglet-exthost/containment"
	"github.com/reglet-dev/reglet-exthost/transport"
)

var discard = slog.New(slog.DiscardHandler)

func TestMiddleware_PanicBecomesInternalError(t *testing.T) {
	guard := containment.New(containment.WithLogger(discard))
	var (
		mu      sync.Mutex
		reports []containment.Report
	)
	guard.SetObserver(func(r containment.Report) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, r)
	})

	explode := func(exthost.Handler) exthost.Handler {
		return func(context.Context, json.RawMessage) (any, error) {
			panic("kaboom")
		}
	}
	h, err := exthost.New(exthost.WithLogger(discard), exthost.WithGuard(guard), exthost.WithMiddleware(explode))
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), exthost.MethodExtensionGetActive, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrInternal))
	assert.Contains(t, err.Error(), "kaboom")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, "rpc extension.getActive", reports[0].Context)
	assert.Contains(t, reports[0].Message, "kaboom")
}

func TestMiddleware_OrderAndMethodContext(t *testing.T) {
	var order []string
	trace := func(name string) exthost.Middleware {
		return func(next exthost.Handler) exthost.Handler {
			return func(ctx context.Context, params json.RawMessage) (any, error) {
				m, ok := exthost.MethodFromContext(ctx)
				require.True(t, ok)
				order = append(order, name+":"+m.String())
				return next(ctx, params)
			}
		}
	}
	h, err := exthost.New(exthost.WithLogger(discard), exthost.WithMiddleware(trace("outer"), trace("inner")))
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), exthost.MethodExtensionList, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer:extension.list", "inner:extension.list"}, order)
}

func TestMiddleware_ParamsValidation(t *testing.T) {
	h, err := exthost.New(exthost.WithLogger(discard))
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name   string
		method exthost.Method
		params string
	}{
		{"array params", exthost.MethodExtensionGetState, `[1]`},
		{"scalar params", exthost.MethodExtensionActivate, `"acme.a"`},
		{"missing id", exthost.MethodExtensionGetState, `{}`},
		{"wrong field type", exthost.MethodCommandExecute, `{"id": 7}`},
		{"missing manifest", exthost.MethodExtensionRegister, `{"path": "/tmp/x"}`},
		{"missing event", exthost.MethodExtensionActivateByEvent, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Handle(ctx, tt.method, json.RawMessage(tt.params))
			require.Error(t, err)
			assert.Equal(t, transport.CodeInvalidParams, exthost.ErrorCode(err))
		})
	}
}

func TestHandle_UnknownMethod(t *testing.T) {
	h, err := exthost.New(exthost.WithLogger(discard))
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), exthost.Method(999), nil)
	assert.ErrorIs(t, err, transport.ErrMethodNotFound)
}

func TestHandle_PermissionsNotConfigured(t *testing.T) {
	h, err := exthost.New(exthost.WithLogger(discard))
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), exthost.MethodPermissionCheck,
		json.RawMessage(`{"extensionId": "acme.a", "scope": "network"}`))
	require.Error(t, err)
	assert.Equal(t, transport.CodeInternalError, exthost.ErrorCode(err))
	assert.Contains(t, err.Error(), "permission service not configured")
}
