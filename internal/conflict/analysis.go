package conflict

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"artline/internal/domain"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Merge strategies.
const (
	MergeConcatenate  = "concatenate"
	MergeLatest       = "latest"
	MergeIncrement    = "increment"
	MergeStateMachine = "state_machine"
	MergeAverage      = "average"
	MergeManual       = "manual"
)

const (
	PreferOurs   = "ours"
	PreferTheirs = "theirs"
	PreferMerge  = "merge"
)

const (
	SuggestAuto     = "auto"
	SuggestManual   = "manual"
	SuggestEscalate = "escalate"
)

const (
	ImpactInfo     = "info"
	ImpactWarning  = "warning"
	ImpactBreaking = "breaking"
)

var severityMap = map[domain.ArtifactType]map[string]string{
	domain.TypeApplication: {
		"name":                    SeverityCritical,
		"aml_number":              SeverityCritical,
		"status":                  SeverityHigh,
		"provides_ext_interface":  SeverityHigh,
		"consumes_ext_interfaces": SeverityHigh,
		"decommission_date":       SeverityHigh,
		"deployment":              SeverityMedium,
		"uptime":                  SeverityMedium,
		"team":                    SeverityMedium,
		"tmf_domain":              SeverityMedium,
		"description":             SeverityLow,
		"purpose":                 SeverityLow,
	},
	domain.TypeInterface: {
		"iml_number":              SeverityCritical,
		"provider_application_id": SeverityCritical,
		"consumer_application_id": SeverityCritical,
		"interface_type":          SeverityHigh,
		"middleware":              SeverityHigh,
		"status":                  SeverityHigh,
		"version":                 SeverityHigh,
		"protocol":                SeverityHigh,
		"data_flow":               SeverityMedium,
		"frequency":               SeverityMedium,
		"description":             SeverityLow,
		"sample_code":             SeverityLow,
	},
	domain.TypeBusinessProcess: {
		"process_id":        SeverityCritical,
		"name":              SeverityCritical,
		"status":            SeverityHigh,
		"process_type":      SeverityHigh,
		"business_function": SeverityHigh,
		"start_event":       SeverityMedium,
		"end_event":         SeverityMedium,
		"description":       SeverityLow,
		"documentation":     SeverityLow,
	},
	domain.TypeInternalActivity: {
		"name":         SeverityCritical,
		"status":       SeverityHigh,
		"process_flow": SeverityHigh,
		"department":   SeverityMedium,
		"description":  SeverityLow,
	},
	domain.TypeTechnicalProcess: {
		"name":           SeverityCritical,
		"status":         SeverityHigh,
		"implementation": SeverityHigh,
		"technology":     SeverityMedium,
		"description":    SeverityLow,
	},
}

var autoResolvableFields = map[string]bool{
	"updated_at":       true,
	"last_change_date": true,
	"description":      true,
	"documentation":    true,
	"notes":            true,
	"comments":         true,
}

var interfaceContractFields = map[string]bool{
	"interface_type": true,
	"protocol":       true,
	"data_flow":      true,
	"middleware":     true,
}

// Severity grades a field of an artifact kind. Unlisted fields are medium.
func Severity(t domain.ArtifactType, field string) string {
	if s, ok := severityMap[t][field]; ok {
		return s
	}
	return SeverityMedium
}

func isTemporal(field string) bool {
	return strings.HasSuffix(field, "_date") || strings.HasSuffix(field, "_at")
}

// AutoResolvable reports whether a divergence can be settled without a human.
func AutoResolvable(field string, ours, theirs any) bool {
	if isTemporal(field) {
		return true
	}
	if autoResolvableFields[field] {
		a, aok := ours.(string)
		b, bok := theirs.(string)
		if aok && bok {
			return strings.Contains(a, b) || strings.Contains(b, a)
		}
		return true
	}
	a, aok := ours.(float64)
	b, bok := theirs.(float64)
	if aok && bok {
		avg := (a + b) / 2
		if avg == 0 {
			return a == b
		}
		return math.Abs(a-b)/math.Abs(avg) < 0.1
	}
	return false
}

// Suggest picks the side a reviewer would most likely keep.
func Suggest(field string, ours, theirs any) string {
	if field == "status" {
		if s, _ := theirs.(string); s == "active" || s == "enabled" {
			return PreferTheirs
		}
		if s, _ := ours.(string); s == "active" || s == "enabled" {
			return PreferOurs
		}
	}
	if field == "version" || strings.HasSuffix(field, "_version") {
		a, aok := ours.(string)
		b, bok := theirs.(string)
		if aok && bok {
			if compareVersions(b, a) > 0 {
				return PreferTheirs
			}
			return PreferOurs
		}
	}
	if isTemporal(field) {
		a, aerr := parseTime(ours)
		b, berr := parseTime(theirs)
		if aerr == nil && berr == nil {
			if b.After(a) {
				return PreferTheirs
			}
			return PreferOurs
		}
	}
	return PreferMerge
}

// Strategy names how Merge combines a field.
func Strategy(field string, ours, theirs any) string {
	switch {
	case field == "description" || field == "documentation":
		return MergeConcatenate
	case isTemporal(field):
		return MergeLatest
	case field == "version":
		return MergeIncrement
	case field == "status":
		return MergeStateMachine
	}
	_, aok := ours.(float64)
	_, bok := theirs.(float64)
	if aok && bok {
		return MergeAverage
	}
	return MergeManual
}

// Merge combines both sides of one field following Strategy.
func Merge(field string, ours, theirs any) any {
	switch Strategy(field, ours, theirs) {
	case MergeConcatenate:
		a, _ := ours.(string)
		b, _ := theirs.(string)
		if a != "" && b != "" {
			return fmt.Sprintf("%s\n\n[Merged from initiative]\n%s", b, a)
		}
		if b != "" {
			return b
		}
		return a
	case MergeAverage:
		return (ours.(float64) + theirs.(float64)) / 2
	}
	if Suggest(field, ours, theirs) == PreferTheirs {
		return theirs
	}
	return ours
}

// FieldAnalysis grades one conflicting field.
type FieldAnalysis struct {
	Field          string `json:"field"`
	Ours           any    `json:"ours"`
	Theirs         any    `json:"theirs"`
	Severity       string `json:"severity" enum:"low,medium,high,critical"`
	AutoResolvable bool   `json:"auto_resolvable"`
	Suggestion     string `json:"suggestion" enum:"ours,theirs,merge"`
	MergeStrategy  string `json:"merge_strategy"`
}

// Dependent is an artifact linked to the conflicted one.
type Dependent struct {
	Ref  domain.ArtifactRef
	Name string
}

type DependencyImpact struct {
	Ref         *domain.ArtifactRef `json:"artifact,omitempty"`
	Name        string              `json:"name"`
	Impact      string              `json:"impact" enum:"info,warning,breaking"`
	Description string              `json:"description"`
}

// Analysis is the graded view of one conflict.
type Analysis struct {
	Fields            []FieldAnalysis    `json:"fields"`
	Dependencies      []DependencyImpact `json:"dependencies"`
	RiskScore         int                `json:"risk_score"`
	AutoResolvable    bool               `json:"auto_resolvable"`
	SuggestedStrategy string             `json:"suggested_strategy" enum:"auto,manual,escalate"`
}

// Analyze grades the conflicting fields between ours and theirs.
func Analyze(t domain.ArtifactType, fields []string, ours, theirs map[string]any, dependents []Dependent) Analysis {
	a := Analysis{Fields: []FieldAnalysis{}, Dependencies: []DependencyImpact{}, AutoResolvable: true}
	for _, f := range fields {
		fa := FieldAnalysis{
			Field:          f,
			Ours:           ours[f],
			Theirs:         theirs[f],
			Severity:       Severity(t, f),
			AutoResolvable: AutoResolvable(f, ours[f], theirs[f]),
			Suggestion:     Suggest(f, ours[f], theirs[f]),
			MergeStrategy:  Strategy(f, ours[f], theirs[f]),
		}
		if !fa.AutoResolvable {
			a.AutoResolvable = false
		}
		a.Fields = append(a.Fields, fa)
	}
	a.Dependencies = dependencyImpacts(t, a.Fields, dependents)
	a.RiskScore = RiskScore(a.Fields, a.Dependencies)
	a.SuggestedStrategy = SuggestStrategy(a.RiskScore, a.AutoResolvable, len(a.Fields))
	return a
}

func dependencyImpacts(t domain.ArtifactType, fields []FieldAnalysis, dependents []Dependent) []DependencyImpact {
	var critical, high, contract []string
	for _, f := range fields {
		switch f.Severity {
		case SeverityCritical:
			critical = append(critical, f.Field)
		case SeverityHigh:
			high = append(high, f.Field)
		}
		if interfaceContractFields[f.Field] {
			contract = append(contract, f.Field)
		}
	}
	out := []DependencyImpact{}
	for _, d := range dependents {
		ref := d.Ref
		switch {
		case len(critical) > 0:
			out = append(out, DependencyImpact{Ref: &ref, Name: d.Name, Impact: ImpactBreaking,
				Description: "changes to " + strings.Join(critical, ", ") + " may break this dependency"})
		case len(high) > 0:
			out = append(out, DependencyImpact{Ref: &ref, Name: d.Name, Impact: ImpactWarning,
				Description: "changes to " + strings.Join(high, ", ") + " may affect this dependency"})
		}
	}
	if t == domain.TypeInterface && len(contract) > 0 {
		out = append(out, DependencyImpact{Name: "consumer and provider applications", Impact: ImpactWarning,
			Description: "interface contract changes may require updates to consumer and provider applications"})
	}
	return out
}

var severityWeight = map[string]int{SeverityLow: 1, SeverityMedium: 3, SeverityHigh: 5, SeverityCritical: 10}
var impactWeight = map[string]int{ImpactInfo: 1, ImpactWarning: 5, ImpactBreaking: 15}

// RiskScore is capped at 100.
func RiskScore(fields []FieldAnalysis, deps []DependencyImpact) int {
	score := 0
	for _, f := range fields {
		score += severityWeight[f.Severity]
		if !f.AutoResolvable {
			score += 2
		}
	}
	for _, d := range deps {
		score += impactWeight[d.Impact]
	}
	if score > 100 {
		return 100
	}
	return score
}

func SuggestStrategy(score int, autoResolvable bool, count int) string {
	if score > 50 || count > 10 {
		return SuggestEscalate
	}
	if autoResolvable && score < 20 {
		return SuggestAuto
	}
	return SuggestManual
}

// AutoMerge starts from ours and settles every auto-resolvable field. The
// names of fields that still need a human are returned in order.
func AutoMerge(fields []string, ours, theirs map[string]any) (map[string]any, []string) {
	merged := make(map[string]any, len(ours))
	for k, v := range ours {
		merged[k] = v
	}
	var unresolved []string
	for _, f := range fields {
		if !AutoResolvable(f, ours[f], theirs[f]) {
			unresolved = append(unresolved, f)
			continue
		}
		merged[f] = Merge(f, ours[f], theirs[f])
	}
	return merged, unresolved
}

func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("not a string")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// compareVersions orders dotted versions numerically where possible.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		if xerr == nil && yerr == nil {
			if xn != yn {
				if xn > yn {
					return 1
				}
				return -1
			}
			continue
		}
		if c := strings.Compare(x, y); c != 0 {
			return c
		}
	}
	return 0
}
