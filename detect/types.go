// Package detect defines the wire contract with the remote CTA detection
// backend and a typed HTTP client for it.
//
// The backend is an external service (DETR-based detection plus LLM ranking)
// that this module only consumes. Its JSON is treated as untrusted input:
// every decoded payload passes through Normalize, which applies the same
// defensive coercions the backend applies internally, so a buggy or older
// backend cannot push out-of-range values into the UI or reports.
package detect

import (
	"fmt"
	"strings"
)

// CTA is one detected call-to-action element.
type CTA struct {
	ExtractedText      string    `json:"extracted_text"`
	BBox               []float64 `json:"bbox"` // left, top, right, bottom in pixels
	Score              int       `json:"score"`
	GoalRole           string    `json:"goal_role"`
	ElementType        string    `json:"element_type"`
	ConfidenceEstimate float64   `json:"confidence_estimate"`
	AreaPercentage     float64   `json:"area_percentage"`
}

// Goal roles a CTA can hold relative to the desired behavior.
const (
	RolePrimary    = "primary"
	RoleSupporting = "supporting"
	RoleOffGoal    = "off-goal"
	RoleNeutral    = "neutral"
)

// Conflict is a detected competition between CTAs for user attention.
type Conflict struct {
	Priority           string `json:"priority"` // HIGH, MEDIUM, LOW
	SeverityScore      int    `json:"severity_score"`
	ElementType        string `json:"element_type"`
	ElementText        string `json:"element_text"`
	Context            string `json:"context"`
	WhyCompetes        string `json:"why_competes"`
	BehavioralImpact   string `json:"behavioral_impact"`
	AffectedCTAIndices []int  `json:"affected_cta_indices"`
}

// Recommendation is an actionable suggestion attached to the analysis.
type Recommendation struct {
	Priority       string `json:"priority"`
	Action         string `json:"action"`
	Rationale      string `json:"rationale,omitempty"`
	ExpectedImpact string `json:"expected_impact,omitempty"`
}

// BehavioralInsight maps a behavioral-science principle (Choice Overload,
// Hick's Law, ...) onto the analyzed page.
type BehavioralInsight struct {
	Principle      string `json:"principle"`
	Description    string `json:"description"`
	Applies        bool   `json:"applies"`
	ImpactLevel    string `json:"impact_level,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// GoalSummary relates the detected CTAs to the user's stated goal.
type GoalSummary struct {
	DesiredBehavior    string `json:"desired_behavior"`
	PrimaryCTAsFound   int    `json:"primary_ctas_found"`
	CompetingCTAsFound int    `json:"competing_ctas_found"`
	TotalChoiceOptions int    `json:"total_choice_options"`
}

// CompetingPrompts is the conflict analysis block of a result.
type CompetingPrompts struct {
	ConflictLevel      string              `json:"conflict_level"` // low, medium, high, critical
	TotalCompeting     int                 `json:"total_competing"`
	Conflicts          []Conflict          `json:"conflicts"`
	BehavioralInsights []BehavioralInsight `json:"behavioral_insights,omitempty"`
	Recommendations    []Recommendation    `json:"recommendations,omitempty"`
	GoalSummary        GoalSummary         `json:"goal_summary"`
}

// Meta describes how a result was produced.
type Meta struct {
	SourceURL                string `json:"source_url,omitempty"`
	CaptureMethod            string `json:"capture_method,omitempty"`
	ProcessingTime           string `json:"processing_time,omitempty"`
	ImageDimensions          string `json:"image_dimensions,omitempty"` // "WxH"
	Width                    int    `json:"width,omitempty"`
	Height                   int    `json:"height,omitempty"`
	AnalysisVersion          string `json:"analysis_version,omitempty"`
	ModelUsed                string `json:"model_used,omitempty"`
	TotalCandidatesProcessed int    `json:"total_candidates_processed,omitempty"`
}

// Analytics is the aggregate summary shown above the CTA list. Backends may
// omit it; report.Build computes it from the CTAs when nil.
type Analytics struct {
	TotalCTAs       int     `json:"total_ctas"`
	AverageScore    float64 `json:"average_score"`
	TopScore        int     `json:"top_score"`
	PrimaryCount    int     `json:"primary_count"`
	SupportingCount int     `json:"supporting_count"`
	OffGoalCount    int     `json:"off_goal_count"`
	NeutralCount    int     `json:"neutral_count"`
	ConflictCount   int     `json:"conflict_count"`
}

// AnalysisResult is the top-level envelope returned by the backend.
//
// ErrorFlag and Message are the backend's soft-failure shape: some failure
// paths return HTTP 200 with {error: true, message, empty ctas}. The client
// converts that shape into a BackendError so callers never see half-results.
type AnalysisResult struct {
	CTAs               []CTA               `json:"ctas"`
	CompetingPrompts   CompetingPrompts    `json:"competing_prompts"`
	BehavioralInsights []BehavioralInsight `json:"behavioral_insights,omitempty"`
	Analytics          *Analytics          `json:"analytics,omitempty"`
	Meta               Meta                `json:"meta"`
	ErrorFlag          bool                `json:"error,omitempty"`
	Message            string              `json:"message,omitempty"`
}

// Normalize coerces a decoded payload into the ranges the rest of the module
// relies on. It is idempotent and mutates the receiver in place:
//
//   - CTA scores clamp to 0..100, confidence to 0..1, area to 0..100
//   - unknown goal roles coerce to "neutral", element types lowercase
//   - bbox pads or truncates to exactly 4 numbers
//   - conflict priorities uppercase; unknown coerce to "LOW"
//   - severity scores clamp to 0..10
//   - affected CTA indices outside the CTA list are dropped
//   - unknown conflict levels coerce to "low"
//   - total_competing defaults to the conflict count
//   - meta image_dimensions is composed from width/height when absent
func (r *AnalysisResult) Normalize() {
	for i := range r.CTAs {
		c := &r.CTAs[i]
		c.Score = clampInt(c.Score, 0, 100)
		c.ConfidenceEstimate = clampFloat(c.ConfidenceEstimate, 0, 1)
		c.AreaPercentage = clampFloat(c.AreaPercentage, 0, 100)
		c.GoalRole = normalizeRole(c.GoalRole)
		c.ElementType = strings.ToLower(strings.TrimSpace(c.ElementType))
		c.BBox = padBBox(c.BBox)
	}

	cp := &r.CompetingPrompts
	cp.ConflictLevel = normalizeConflictLevel(cp.ConflictLevel)
	for i := range cp.Conflicts {
		cf := &cp.Conflicts[i]
		cf.Priority = normalizePriority(cf.Priority)
		cf.SeverityScore = clampInt(cf.SeverityScore, 0, 10)
		cf.AffectedCTAIndices = filterIndices(cf.AffectedCTAIndices, len(r.CTAs))
	}
	if cp.TotalCompeting <= 0 {
		cp.TotalCompeting = len(cp.Conflicts)
	}

	if r.Meta.ImageDimensions == "" && r.Meta.Width > 0 && r.Meta.Height > 0 {
		r.Meta.ImageDimensions = fmt.Sprintf("%dx%d", r.Meta.Width, r.Meta.Height)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RolePrimary:
		return RolePrimary
	case RoleSupporting:
		return RoleSupporting
	case RoleOffGoal:
		return RoleOffGoal
	default:
		return RoleNeutral
	}
}

func normalizePriority(p string) string {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "HIGH":
		return "HIGH"
	case "MEDIUM":
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func normalizeConflictLevel(lvl string) string {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "critical":
		return "critical"
	case "high":
		return "high"
	case "medium":
		return "medium"
	default:
		return "low"
	}
}

// padBBox forces exactly 4 coordinates: shorter slices are zero-padded,
// longer ones truncated. A nil bbox becomes [0 0 0 0].
func padBBox(b []float64) []float64 {
	if len(b) == 4 {
		return b
	}
	out := make([]float64, 4)
	copy(out, b)
	return out
}

func filterIndices(idxs []int, n int) []int {
	if len(idxs) == 0 {
		return idxs
	}
	out := idxs[:0]
	for _, i := range idxs {
		if i >= 0 && i < n {
			out = append(out, i)
		}
	}
	return out
}
