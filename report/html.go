package report

import (
	"encoding/json"
	"fmt"
	"html"
	"html/template"
	"io"
	"os"

	"github.com/microcosm-cc/bluemonday"

	"github.com/uxlens/ctafocus/safeurl"
)

// strict strips every tag from backend-supplied text. Free-text fields pass
// through it before templating; the template's own escaping handles the rest.
var strict = bluemonday.StrictPolicy()

// clean reduces untrusted markup to plain text. Sanitize escapes entities,
// which the template would escape again, so unescape back to plain text.
func clean(s string) string {
	return html.UnescapeString(strict.Sanitize(s))
}

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"clean": clean,
}).Parse(reportHTML))

// RenderHTML writes the report as a self-contained HTML document.
func RenderHTML(w io.Writer, rep *Report) error {
	if err := reportTmpl.Execute(w, rep); err != nil {
		return fmt.Errorf("report: render html: %w", err)
	}
	return nil
}

// Render writes rep in the given format.
func Render(w io.Writer, rep *Report, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case FormatHTML:
		return RenderHTML(w, rep)
	case FormatMarkdown:
		s, err := RenderMarkdown(rep)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, s)
		return err
	case FormatPDF:
		return RenderPDF(w, rep)
	default:
		return fmt.Errorf("report: unknown format %q", format)
	}
}

// WriteFile renders rep into dir/filename. The filename is confined to dir;
// traversal attempts fail. Returns the written path.
func WriteFile(dir, filename string, rep *Report, format string) (string, error) {
	path, err := safeurl.SafePath(dir, filename)
	if err != nil {
		return "", fmt.Errorf("report: unsafe path: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("report: create file: %w", err)
	}
	if err := Render(f, rep, format); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("report: close file: %w", err)
	}
	return path, nil
}

const reportHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>CTA Focus Report</title>
<style>
body { font-family: -apple-system, "Segoe UI", Helvetica, Arial, sans-serif; margin: 2rem auto; max-width: 860px; color: #1a1a2e; line-height: 1.45; }
h1 { font-size: 1.5rem; margin-bottom: 0.25rem; }
h2 { font-size: 1.15rem; border-bottom: 1px solid #ddd; padding-bottom: 0.2rem; margin-top: 1.6rem; }
table { border-collapse: collapse; width: 100%; margin: 0.6rem 0; }
th, td { border: 1px solid #ddd; padding: 0.35rem 0.5rem; text-align: left; font-size: 0.9rem; }
th { background: #f4f4f8; }
.meta { color: #555; font-size: 0.85rem; }
.badge { display: inline-block; padding: 0.1rem 0.5rem; border-radius: 3px; color: #fff; font-size: 0.8rem; }
.level-critical { background: #c0182b; }
.level-high { background: #d9480f; }
.level-medium { background: #b8860b; }
.level-low { background: #2b8a3e; }
.conflict { border-left: 3px solid #d9480f; padding: 0.4rem 0.8rem; margin: 0.7rem 0; background: #fafafa; }
.conflict h3 { margin: 0 0 0.3rem; font-size: 1rem; }
.scores { color: #555; font-size: 0.85rem; }
footer { margin-top: 2rem; color: #888; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>CTA Focus Report</h1>
<p>{{.Headline}} <span class="badge level-{{.ConflictLevel}}">{{.ConflictLevel}} ({{.ConflictLevelScore}})</span></p>
<p class="meta">
{{- if .Source.Title}}{{clean .Source.Title}} · {{end -}}
{{- if .Source.URL}}{{clean .Source.URL}} · {{end -}}
{{- if .Source.CaptureMethod}}captured via {{.Source.CaptureMethod}} · {{end -}}
{{- if .DesiredBehavior}}goal: {{clean .DesiredBehavior}} · {{end -}}
generated {{.GeneratedAt.Format "2006-01-02 15:04"}}
</p>

<h2>Summary</h2>
<table>
<tr><th>Total CTAs</th><th>Average score</th><th>Top score</th><th>Primary</th><th>Supporting</th><th>Off-goal</th><th>Neutral</th><th>Conflicts</th></tr>
<tr>
<td>{{.Analytics.TotalCTAs}}</td>
<td>{{printf "%.1f" .Analytics.AverageScore}}</td>
<td>{{.Analytics.TopScore}}</td>
<td>{{.Analytics.PrimaryCount}}</td>
<td>{{.Analytics.SupportingCount}}</td>
<td>{{.Analytics.OffGoalCount}}</td>
<td>{{.Analytics.NeutralCount}}</td>
<td>{{.Analytics.ConflictCount}}</td>
</tr>
</table>
{{if .GoalSummary.DesiredBehavior}}
<p class="meta">Desired behavior "{{clean .GoalSummary.DesiredBehavior}}": {{.GoalSummary.PrimaryCTAsFound}} primary, {{.GoalSummary.CompetingCTAsFound}} competing, {{.GoalSummary.TotalChoiceOptions}} total choice options.</p>
{{end}}

{{if .Conflicts}}
<h2>Conflicts</h2>
{{range .Conflicts}}
<div class="conflict">
<h3>[{{.Conflict.Priority}}] {{clean .Conflict.ElementText}}{{if .Conflict.ElementType}} <span class="meta">({{clean .Conflict.ElementType}})</span>{{end}}</h3>
<p class="scores">severity {{.SeverityScore}} · impact {{.ImpactScore}} · affects {{.AffectedCount}} CTA(s) · backend severity {{.Conflict.SeverityScore}}/10</p>
{{if .Conflict.WhyCompetes}}<p>{{clean .Conflict.WhyCompetes}}</p>{{end}}
{{if .Conflict.BehavioralImpact}}<p class="meta">{{clean .Conflict.BehavioralImpact}}</p>{{end}}
{{if .Conflict.Context}}<p class="meta">Context: {{clean .Conflict.Context}}</p>{{end}}
</div>
{{end}}
{{end}}

{{if .Insights}}
<h2>Behavioral insights</h2>
<ul>
{{range .Insights}}
<li><strong>{{clean .Principle}}</strong>{{if .ImpactLevel}} ({{clean .ImpactLevel}}){{end}}: {{clean .Description}}{{if .Recommendation}} — {{clean .Recommendation}}{{end}}</li>
{{end}}
</ul>
{{end}}

{{if .Recommendations}}
<h2>Recommendations</h2>
<ol>
{{range .Recommendations}}
<li><strong>{{clean .Action}}</strong>{{if .Rationale}} — {{clean .Rationale}}{{end}}{{if .ExpectedImpact}} <span class="meta">({{clean .ExpectedImpact}})</span>{{end}}</li>
{{end}}
</ol>
{{end}}

{{if .CTAs}}
<h2>Detected CTAs</h2>
<table>
<tr><th>#</th><th>Text</th><th>Role</th><th>Type</th><th>Score</th><th>Confidence</th><th>Area %</th></tr>
{{range $i, $c := .CTAs}}
<tr>
<td>{{$i}}</td>
<td>{{clean $c.ExtractedText}}</td>
<td>{{$c.GoalRole}}</td>
<td>{{clean $c.ElementType}}</td>
<td>{{$c.Score}}</td>
<td>{{printf "%.2f" $c.ConfidenceEstimate}}</td>
<td>{{printf "%.1f" $c.AreaPercentage}}</td>
</tr>
{{end}}
</table>
{{end}}

<footer>
{{if .Source.AnalysisVersion}}analysis {{.Source.AnalysisVersion}}{{if .Source.Model}} · {{clean .Source.Model}}{{end}}{{if .Source.ImageDimensions}} · {{.Source.ImageDimensions}}{{end}}{{end}}
</footer>
</body>
</html>
`
