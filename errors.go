package exthost

import (
	"context"
	"errors"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/reglet-dev/reglet-exthost/transport"
)

// errorData is attached to every mapped error response.
type errorData struct {
	Type        string `json:"type"`
	ExtensionID string `json:"extensionId,omitempty"`
	Capability  string `json:"capability,omitempty"`
	Field       string `json:"field,omitempty"`
	ID          string `json:"id,omitempty"`
}

// toWireError maps the host error taxonomy onto JSON-RPC codes. The
// outermost typed error decides the code: an activation that failed to load
// is reported as an activation error.
func toWireError(err error) *transport.Error {
	var wire *transport.Error
	if errors.As(err, &wire) {
		return wire
	}

	var (
		actErr  *extension.ActivationError
		loadErr *extension.LoadError
		viol    *extension.SandboxViolation
		nf      *extension.NotFoundError
		verr    *extension.ValidationError
	)
	msg := err.Error()
	switch {
	case errors.As(err, &actErr):
		return transport.NewError(transport.CodeActivationError, "%s", msg).
			WithData(errorData{Type: "ActivationError", ExtensionID: actErr.ExtensionID})
	case errors.As(err, &loadErr):
		return transport.NewError(transport.CodeLoadError, "%s", msg).
			WithData(errorData{Type: "LoadError", ExtensionID: loadErr.ExtensionID})
	case errors.As(err, &viol):
		return transport.NewError(transport.CodeSandboxViolation, "%s", msg).
			WithData(errorData{Type: "SandboxViolation", ExtensionID: viol.ExtensionID, Capability: viol.Capability})
	case errors.As(err, &nf):
		return transport.NewError(transport.CodeNotFound, "%s", msg).
			WithData(errorData{Type: "NotFoundError", ID: nf.ID})
	case errors.As(err, &verr):
		return transport.NewError(transport.CodeValidationError, "%s", msg).
			WithData(errorData{Type: "ValidationError", Field: verr.Field})
	case errors.Is(err, context.DeadlineExceeded):
		return transport.NewError(transport.CodeRequestTimeout, "%s", msg)
	default:
		return transport.NewError(transport.CodeInternalError, "%s", msg)
	}
}

// ErrorCode returns the JSON-RPC code the host answers err with.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	return toWireError(err).Code
}
