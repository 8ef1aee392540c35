package permission

// RiskLevel represents the security risk level of a scope.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "none"
	}
}

// RiskReport contains the overall risk assessment for a set of scopes.
type RiskReport struct {
	RiskFactors []RiskFactor
	Level       RiskLevel
}

// RiskFactor describes a single risk element.
type RiskFactor struct {
	Description string
	Scope       Scope
	Level       RiskLevel
}

var scopeRisks = map[Scope]RiskFactor{
	ScopeFilesystemRead:  {Level: RiskMedium, Description: "Filesystem read access"},
	ScopeFilesystemWrite: {Level: RiskHigh, Description: "Filesystem write access"},
	ScopeNetwork:         {Level: RiskMedium, Description: "Outbound network access"},
	ScopeSecretsRead:     {Level: RiskHigh, Description: "Read stored secrets"},
	ScopeSecretsWrite:    {Level: RiskHigh, Description: "Create or overwrite stored secrets"},
	ScopeUIPrompt:        {Level: RiskLow, Description: "Show prompts to the user"},
	ScopeTerminalCreate:  {Level: RiskCritical, Description: "Spawn terminal sessions"},
	ScopeTerminalWrite:   {Level: RiskCritical, Description: "Send input to terminal sessions"},
}

// Describe returns a human readable description of s.
func Describe(s Scope) string {
	if f, ok := scopeRisks[s]; ok {
		return f.Description
	}
	return string(s)
}

// IsBroad reports whether s grants open-ended access that strict
// policies refuse without asking.
func IsBroad(s Scope) bool {
	return scopeRisks[s].Level >= RiskCritical
}

// AnalyzeRisk evaluates the risk level of a set of scopes.
func AnalyzeRisk(scopes []Scope) RiskReport {
	report := RiskReport{Level: RiskNone}
	for _, s := range scopes {
		f, ok := scopeRisks[s]
		if !ok {
			continue
		}
		f.Scope = s
		report.RiskFactors = append(report.RiskFactors, f)
		if f.Level > report.Level {
			report.Level = f.Level
		}
	}
	return report
}
