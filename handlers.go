package exthost

import (
	"context"
	"encoding/json"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/reglet-dev/reglet-exthost/manifest"
	"github.com/reglet-dev/reglet-exthost/permission"
	"github.com/reglet-dev/reglet-exthost/transport"
)

// handlerTable binds every Method to its implementation. A zero entry is a
// programming error caught by tests.
func (h *Host) handlerTable() [methodCount]Handler {
	return [methodCount]Handler{
		MethodExtensionRegister:                   h.registerExtension,
		MethodExtensionActivate:                   h.activateExtension,
		MethodExtensionDeactivate:                 h.deactivateExtension,
		MethodExtensionGetState:                   h.extensionState,
		MethodExtensionGetActive:                  h.activeExtensions,
		MethodExtensionActivateByEvent:            h.activateByEvent,
		MethodExtensionList:                       h.listExtensions,
		MethodContributionsGetCommands:            listOf(h.contributions.Commands),
		MethodContributionsGetViews:               listOf(h.contributions.Views),
		MethodContributionsGetTools:               listOf(h.contributions.Tools),
		MethodContributionsGetSettings:            listOf(h.contributions.Settings),
		MethodContributionsGetConnectionProviders: listOf(h.contributions.ConnectionProviders),
		MethodContributionsGetExternalServers:     listOf(h.contributions.ExternalServers),
		MethodCommandExecute:                      h.executeCommand,
		MethodViewRender:                          h.renderView,
		MethodToolExecute:                         h.executeTool,
		MethodPermissionCheck:                     h.checkPermission,
		MethodPermissionRequest:                   h.requestPermission,
		MethodPermissionRecordDecision:            h.recordDecision,
		MethodPermissionAutoGrant:                 h.autoGrant,
		MethodPermissionRevokeAll:                 h.revokeAll,
		MethodPermissionList:                      h.listPermissions,
	}
}

func listOf[T any](list func() []T) Handler {
	return func(context.Context, json.RawMessage) (any, error) {
		return list(), nil
	}
}

type registerParams struct {
	Manifest     json.RawMessage `json:"manifest"`
	ManifestFile string          `json:"manifestFile"`
	Path         string          `json:"path"`
}

type registerResult struct {
	ID         string          `json:"id"`
	State      extension.State `json:"state"`
	Registered bool            `json:"registered"`
}

func (h *Host) registerExtension(_ context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[registerParams](params)
	if err != nil {
		return nil, err
	}
	if err := requireField("path", p.Path); err != nil {
		return nil, err
	}

	var m *extension.Manifest
	switch {
	case len(p.Manifest) > 0 && string(p.Manifest) != "null":
		m, err = h.validator.Decode(p.Manifest)
	case p.ManifestFile != "":
		m, err = manifest.LoadFile(p.ManifestFile, h.validator)
	default:
		return nil, transport.NewError(transport.CodeInvalidParams, "one of manifest or manifestFile is required")
	}
	if err != nil {
		return nil, err
	}

	registered := h.controller.RegisterExtension(m, p.Path)
	state, _ := h.controller.State(m.ID)
	return registerResult{ID: m.ID, State: state, Registered: registered}, nil
}

type idParams struct {
	ID string `json:"id"`
}

type stateResult struct {
	State *extension.State `json:"state"`
	ID    string           `json:"id"`
}

func (h *Host) activateExtension(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[idParams](params)
	if err != nil {
		return nil, err
	}
	if err := requireField("id", p.ID); err != nil {
		return nil, err
	}
	if err := h.controller.Activate(ctx, p.ID); err != nil {
		return nil, err
	}
	return h.stateOf(p.ID), nil
}

func (h *Host) deactivateExtension(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[idParams](params)
	if err != nil {
		return nil, err
	}
	if err := requireField("id", p.ID); err != nil {
		return nil, err
	}
	if err := h.controller.Deactivate(ctx, p.ID); err != nil {
		return nil, err
	}
	return h.stateOf(p.ID), nil
}

func (h *Host) extensionState(_ context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[idParams](params)
	if err != nil {
		return nil, err
	}
	if err := requireField("id", p.ID); err != nil {
		return nil, err
	}
	return h.stateOf(p.ID), nil
}

// stateOf reports a null state for unregistered ids.
func (h *Host) stateOf(id string) stateResult {
	res := stateResult{ID: id}
	if s, ok := h.controller.State(id); ok {
		res.State = &s
	}
	return res
}

func (h *Host) activeExtensions(context.Context, json.RawMessage) (any, error) {
	return h.controller.ActiveExtensions(), nil
}

func (h *Host) listExtensions(context.Context, json.RawMessage) (any, error) {
	return h.controller.Extensions(), nil
}

type eventParams struct {
	Event string `json:"event"`
}

type eventResult struct {
	Failed    map[string]string `json:"failed,omitempty"`
	Activated []string          `json:"activated"`
}

func (h *Host) activateByEvent(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[eventParams](params)
	if err != nil {
		return nil, err
	}
	if err := requireField("event", p.Event); err != nil {
		return nil, err
	}
	return h.fireEvent(ctx, p.Event), nil
}

func (h *Host) fireEvent(ctx context.Context, event string) eventResult {
	ids, failures := h.controller.ActivateByEvent(ctx, event)
	res := eventResult{Activated: make([]string, 0, len(ids))}
	for _, id := range ids {
		if err, failed := failures[id]; failed {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[id] = err.Error()
			continue
		}
		res.Activated = append(res.Activated, id)
	}
	return res
}

// activateFor fires event when the handler it would provide is missing.
func (h *Host) activateFor(ctx context.Context, registered bool, event string) {
	if registered || !h.activateOnUse {
		return
	}
	if res := h.fireEvent(ctx, event); len(res.Failed) > 0 {
		h.logger.Warn("activation on use failed", "event", event, "failed", res.Failed)
	}
}

type commandParams struct {
	ID   string `json:"id"`
	Args []any  `json:"args"`
}

func (h *Host) executeCommand(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[commandParams](params)
	if err != nil {
		return nil, err
	}
	if err := requireField("id", p.ID); err != nil {
		return nil, err
	}
	h.activateFor(ctx, h.commands.Has(p.ID), "onCommand:"+p.ID)
	return h.commands.Execute(ctx, p.ID, p.Args)
}

type toolParams struct {
	Input any    `json:"input"`
	Name  string `json:"name"`
}

func (h *Host) executeTool(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[toolParams](params)
	if err != nil {
		return nil, err
	}
	if err := requireField("name", p.Name); err != nil {
		return nil, err
	}
	h.activateFor(ctx, h.tools.Has(p.Name), "onTool:"+p.Name)
	return h.tools.Execute(ctx, p.Name, p.Input)
}

type viewResult struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func (h *Host) renderView(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[idParams](params)
	if err != nil {
		return nil, err
	}
	if err := requireField("id", p.ID); err != nil {
		return nil, err
	}
	h.activateFor(ctx, h.views.Has(p.ID), "onView:"+p.ID)
	content, err := h.views.Render(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return viewResult{ID: p.ID, Content: content}, nil
}

var errNoPermissions = transport.NewError(transport.CodeInternalError, "permission service not configured")

type permissionParams struct {
	ExtensionID   string   `json:"extensionId"`
	Scope         string   `json:"scope"`
	Justification string   `json:"justification"`
	Decision      string   `json:"decision"`
	Scopes        []string `json:"scopes"`
	GrantedOnly   bool     `json:"grantedOnly"`
}

func (h *Host) permissionParams(params json.RawMessage, needScope bool) (permissionParams, error) {
	if h.permissions == nil {
		return permissionParams{}, errNoPermissions
	}
	p, err := decodeParams[permissionParams](params)
	if err != nil {
		return p, err
	}
	if err := requireField("extensionId", p.ExtensionID); err != nil {
		return p, err
	}
	if needScope {
		if err := requireField("scope", p.Scope); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (h *Host) checkPermission(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := h.permissionParams(params, true)
	if err != nil {
		return nil, err
	}
	return h.permissions.Check(ctx, p.ExtensionID, permission.Scope(p.Scope))
}

type requestResult struct {
	Grant   *permission.Grant `json:"grant"`
	Decided bool              `json:"decided"`
}

func (h *Host) requestPermission(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := h.permissionParams(params, true)
	if err != nil {
		return nil, err
	}
	g, err := h.permissions.Request(ctx, p.ExtensionID, permission.Scope(p.Scope), p.Justification)
	if err != nil {
		return nil, err
	}
	return requestResult{Grant: g, Decided: g != nil}, nil
}

func (h *Host) recordDecision(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := h.permissionParams(params, true)
	if err != nil {
		return nil, err
	}
	if err := requireField("decision", p.Decision); err != nil {
		return nil, err
	}
	if err := h.permissions.RecordDecision(ctx, p.ExtensionID, permission.Scope(p.Scope), permission.Choice(p.Decision)); err != nil {
		return nil, err
	}
	return h.permissions.Check(ctx, p.ExtensionID, permission.Scope(p.Scope))
}

type autoGrantResult struct {
	Granted []permission.Scope `json:"granted"`
}

func (h *Host) autoGrant(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := h.permissionParams(params, false)
	if err != nil {
		return nil, err
	}
	scopes := p.Scopes
	if len(scopes) == 0 {
		// Default to what the manifest declares.
		if m, ok := h.controller.Manifest(p.ExtensionID); ok {
			scopes = m.Permissions
		}
	}
	typed := make([]permission.Scope, len(scopes))
	for i, s := range scopes {
		typed[i] = permission.Scope(s)
	}
	granted, err := h.permissions.AutoGrant(ctx, p.ExtensionID, typed)
	if err != nil {
		return nil, err
	}
	if granted == nil {
		granted = []permission.Scope{}
	}
	return autoGrantResult{Granted: granted}, nil
}

func (h *Host) revokeAll(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := h.permissionParams(params, false)
	if err != nil {
		return nil, err
	}
	if err := h.permissions.RevokeAll(ctx, p.ExtensionID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (h *Host) listPermissions(ctx context.Context, params json.RawMessage) (any, error) {
	if h.permissions == nil {
		return nil, errNoPermissions
	}
	p, err := decodeParams[permissionParams](params)
	if err != nil {
		return nil, err
	}
	var grants []permission.Grant
	if p.GrantedOnly {
		grants, err = h.permissions.Granted(ctx, p.ExtensionID)
	} else {
		grants, err = h.permissions.All(ctx, p.ExtensionID)
	}
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []permission.Grant{}
	}
	return grants, nil
}
