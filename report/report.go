// Package report derives presentation data from an analysis result and
// exports it as HTML, Markdown, or PDF. Everything here is pure: the input
// is a normalized detect.AnalysisResult, the output is deterministic.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/uxlens/ctafocus/detect"
)

// Export formats accepted by WriteFile and the report endpoint.
const (
	FormatJSON     = "json"
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
	FormatPDF      = "pdf"
)

// SeverityScore maps a conflict level to a 0-100 score. Unknown levels
// score 0 so they sort below everything real.
func SeverityScore(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical":
		return 100
	case "high":
		return 75
	case "medium":
		return 50
	case "low":
		return 25
	default:
		return 0
	}
}

// ImpactScore adds a multi-CTA penalty on top of a severity score: a
// conflict touching more than one CTA scores 20 extra, capped at 100.
func ImpactScore(severityScore, affectedCTACount int) int {
	score := severityScore
	if affectedCTACount > 1 {
		score += 20
	}
	if score > 100 {
		return 100
	}
	return score
}

// PriorityWeight orders conflict priorities: HIGH > MEDIUM > LOW > unknown.
func PriorityWeight(priority string) int {
	switch priority {
	case "HIGH":
		return 3
	case "MEDIUM":
		return 2
	case "LOW":
		return 1
	default:
		return 0
	}
}

// ConflictView is a conflict annotated with derived scores for rendering.
// SeverityScore comes from the conflict's priority through the same mapping
// as the overall level (HIGH→75 and so on); the backend's own 0-10
// severity_score stays available on Conflict for display.
type ConflictView struct {
	Conflict      detect.Conflict `json:"conflict"`
	SeverityScore int             `json:"severity_score"`
	ImpactScore   int             `json:"impact_score"`
	AffectedCount int             `json:"affected_count"`
}

// SourceInfo describes where the analyzed image came from.
type SourceInfo struct {
	URL             string `json:"url,omitempty"`
	Title           string `json:"title,omitempty"`
	CaptureMethod   string `json:"capture_method,omitempty"`
	ImageDimensions string `json:"image_dimensions,omitempty"`
	AnalysisVersion string `json:"analysis_version,omitempty"`
	Model           string `json:"model,omitempty"`
}

// Report is the full presentation model for one analysis.
type Report struct {
	GeneratedAt        time.Time                  `json:"generated_at"`
	Headline           string                     `json:"headline"`
	DesiredBehavior    string                     `json:"desired_behavior,omitempty"`
	Source             SourceInfo                 `json:"source"`
	ConflictLevel      string                     `json:"conflict_level"`
	ConflictLevelScore int                        `json:"conflict_level_score"`
	Analytics          detect.Analytics           `json:"analytics"`
	CTAs               []detect.CTA               `json:"ctas"`
	Conflicts          []ConflictView             `json:"conflicts"` // sorted by priority weight, then impact
	HighPriority       []ConflictView             `json:"high_priority,omitempty"`
	MediumPriority     []ConflictView             `json:"medium_priority,omitempty"`
	LowPriority        []ConflictView             `json:"low_priority,omitempty"`
	Insights           []detect.BehavioralInsight `json:"insights,omitempty"` // applies == true only
	Recommendations    []detect.Recommendation    `json:"recommendations,omitempty"`
	GoalSummary        detect.GoalSummary         `json:"goal_summary"`
}

// BuildOptions carries context the result itself doesn't know.
type BuildOptions struct {
	DesiredBehavior string
	Title           string    // page title from capture, when known
	GeneratedAt     time.Time // default time.Now()
}

// Build derives a Report from a normalized result. The result is not
// modified.
func Build(result *detect.AnalysisResult, opts BuildOptions) *Report {
	if opts.GeneratedAt.IsZero() {
		opts.GeneratedAt = time.Now()
	}

	cp := result.CompetingPrompts

	var analytics detect.Analytics
	if result.Analytics != nil {
		analytics = *result.Analytics
	} else {
		analytics = computeAnalytics(result)
	}

	views := make([]ConflictView, 0, len(cp.Conflicts))
	for _, c := range cp.Conflicts {
		sev := SeverityScore(c.Priority)
		views = append(views, ConflictView{
			Conflict:      c,
			SeverityScore: sev,
			ImpactScore:   ImpactScore(sev, len(c.AffectedCTAIndices)),
			AffectedCount: len(c.AffectedCTAIndices),
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		wi, wj := PriorityWeight(views[i].Conflict.Priority), PriorityWeight(views[j].Conflict.Priority)
		if wi != wj {
			return wi > wj
		}
		return views[i].ImpactScore > views[j].ImpactScore
	})

	rep := &Report{
		GeneratedAt:        opts.GeneratedAt,
		DesiredBehavior:    opts.DesiredBehavior,
		ConflictLevel:      cp.ConflictLevel,
		ConflictLevelScore: SeverityScore(cp.ConflictLevel),
		Analytics:          analytics,
		CTAs:               result.CTAs,
		Conflicts:          views,
		Recommendations:    cp.Recommendations,
		GoalSummary:        cp.GoalSummary,
		Source: SourceInfo{
			URL:             result.Meta.SourceURL,
			Title:           opts.Title,
			CaptureMethod:   result.Meta.CaptureMethod,
			ImageDimensions: result.Meta.ImageDimensions,
			AnalysisVersion: result.Meta.AnalysisVersion,
			Model:           result.Meta.ModelUsed,
		},
	}

	for _, v := range views {
		switch v.Conflict.Priority {
		case "HIGH":
			rep.HighPriority = append(rep.HighPriority, v)
		case "MEDIUM":
			rep.MediumPriority = append(rep.MediumPriority, v)
		default:
			rep.LowPriority = append(rep.LowPriority, v)
		}
	}

	// Insights live in two places depending on backend version; prefer the
	// competing-prompts block, fall back to the top level.
	source := cp.BehavioralInsights
	if len(source) == 0 {
		source = result.BehavioralInsights
	}
	for _, ins := range source {
		if ins.Applies {
			rep.Insights = append(rep.Insights, ins)
		}
	}

	rep.Headline = fmt.Sprintf("%d CTAs, %d conflicts, conflict level %s",
		analytics.TotalCTAs, len(views), cp.ConflictLevel)
	return rep
}

func computeAnalytics(result *detect.AnalysisResult) detect.Analytics {
	a := detect.Analytics{
		TotalCTAs:     len(result.CTAs),
		ConflictCount: len(result.CompetingPrompts.Conflicts),
	}
	if len(result.CTAs) == 0 {
		return a
	}

	sum := 0
	for _, c := range result.CTAs {
		sum += c.Score
		if c.Score > a.TopScore {
			a.TopScore = c.Score
		}
		switch c.GoalRole {
		case detect.RolePrimary:
			a.PrimaryCount++
		case detect.RoleSupporting:
			a.SupportingCount++
		case detect.RoleOffGoal:
			a.OffGoalCount++
		default:
			a.NeutralCount++
		}
	}
	a.AverageScore = float64(sum) / float64(len(result.CTAs))
	return a
}
