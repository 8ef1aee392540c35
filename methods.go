package exthost

// Method identifies an inbound RPC method. The wire uses the string form;
// dispatch goes through a fixed array indexed by Method.
type Method int

const (
	MethodExtensionRegister Method = iota
	MethodExtensionActivate
	MethodExtensionDeactivate
	MethodExtensionGetState
	MethodExtensionGetActive
	MethodExtensionActivateByEvent
	MethodExtensionList
	MethodContributionsGetCommands
	MethodContributionsGetViews
	MethodContributionsGetTools
	MethodContributionsGetSettings
	MethodContributionsGetConnectionProviders
	MethodContributionsGetExternalServers
	MethodCommandExecute
	MethodViewRender
	MethodToolExecute
	MethodPermissionCheck
	MethodPermissionRequest
	MethodPermissionRecordDecision
	MethodPermissionAutoGrant
	MethodPermissionRevokeAll
	MethodPermissionList

	methodCount
)

// NotificationErrorReport is the outbound fault notification.
const NotificationErrorReport = "error.report"

var methodNames = [methodCount]string{
	MethodExtensionRegister:                   "extension.register",
	MethodExtensionActivate:                   "extension.activate",
	MethodExtensionDeactivate:                 "extension.deactivate",
	MethodExtensionGetState:                   "extension.getState",
	MethodExtensionGetActive:                  "extension.getActive",
	MethodExtensionActivateByEvent:            "extension.activateByEvent",
	MethodExtensionList:                       "extension.list",
	MethodContributionsGetCommands:            "contributions.getCommands",
	MethodContributionsGetViews:               "contributions.getViews",
	MethodContributionsGetTools:               "contributions.getTools",
	MethodContributionsGetSettings:            "contributions.getSettings",
	MethodContributionsGetConnectionProviders: "contributions.getConnectionProviders",
	MethodContributionsGetExternalServers:     "contributions.getExternalServers",
	MethodCommandExecute:                      "command.execute",
	MethodViewRender:                          "view.render",
	MethodToolExecute:                         "tool.execute",
	MethodPermissionCheck:                     "permission.check",
	MethodPermissionRequest:                   "permission.request",
	MethodPermissionRecordDecision:            "permission.recordDecision",
	MethodPermissionAutoGrant:                 "permission.autoGrant",
	MethodPermissionRevokeAll:                 "permission.revokeAll",
	MethodPermissionList:                      "permission.list",
}

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, methodCount)
	for i, name := range methodNames {
		m[name] = Method(i)
	}
	return m
}()

func (m Method) String() string {
	if m < 0 || m >= methodCount {
		return "unknown"
	}
	return methodNames[m]
}

// ParseMethod returns the Method for a wire name.
func ParseMethod(name string) (Method, bool) {
	m, ok := methodsByName[name]
	return m, ok
}

// Methods returns every method in declaration order.
func Methods() []Method {
	out := make([]Method, methodCount)
	for i := range out {
		out[i] = Method(i)
	}
	return out
}
