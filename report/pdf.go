package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDF layout constants. A4 is 595x842pt; coordinates run from the top-left
// because the page JSON sets origin upperLeft.
const (
	pdfMarginX    = 40.0
	pdfMarginTop  = 40.0
	pdfMaxY       = 790.0
	pdfTextWidth  = 515.0
	pdfLineFactor = 1.35 // line height per font size
	pdfCharFactor = 0.52 // average glyph width per font size, Helvetica
)

type pdfText struct {
	Value string     `json:"value"`
	Pos   [2]float64 `json:"pos"`
	Font  *pdfFont   `json:"font,omitempty"`
	Width float64    `json:"width,omitempty"`
}

type pdfFont struct {
	Name  string `json:"name"`
	Size  int    `json:"size"`
	Color string `json:"col,omitempty"`
}

type pdfContent struct {
	Text []pdfText `json:"text"`
}

type pdfPage struct {
	Content pdfContent `json:"content"`
}

// pdfBuilder lays text lines down the page, breaking to a new page when the
// cursor runs out of room.
type pdfBuilder struct {
	pages   map[string]pdfPage
	current []pdfText
	pageNo  int
	y       float64
}

func newPDFBuilder() *pdfBuilder {
	return &pdfBuilder{pages: map[string]pdfPage{}, pageNo: 1, y: pdfMarginTop}
}

func (b *pdfBuilder) breakPage() {
	b.pages[strconv.Itoa(b.pageNo)] = pdfPage{Content: pdfContent{Text: b.current}}
	b.pageNo++
	b.current = nil
	b.y = pdfMarginTop
}

// text places one wrapped text block and advances the cursor by its
// estimated height.
func (b *pdfBuilder) text(s string, font string, size int, color string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	perLine := int(pdfTextWidth / (float64(size) * pdfCharFactor))
	lines := len(s)/perLine + 1
	height := float64(lines*size) * pdfLineFactor

	if b.y+height > pdfMaxY && len(b.current) > 0 {
		b.breakPage()
	}
	b.current = append(b.current, pdfText{
		Value: s,
		Pos:   [2]float64{pdfMarginX, b.y},
		Font:  &pdfFont{Name: font, Size: size, Color: color},
		Width: pdfTextWidth,
	})
	b.y += height + 4
}

func (b *pdfBuilder) heading(s string)   { b.gap(8); b.text(s, "Helvetica-Bold", 13, "#1a1a2e") }
func (b *pdfBuilder) body(s string)      { b.text(s, "Helvetica", 10, "#000000") }
func (b *pdfBuilder) secondary(s string) { b.text(s, "Helvetica", 9, "#555555") }
func (b *pdfBuilder) mono(s string)      { b.text(s, "Courier", 9, "#000000") }

func (b *pdfBuilder) gap(pts float64) {
	if len(b.current) > 0 {
		b.y += pts
	}
}

func (b *pdfBuilder) finish() map[string]any {
	b.pages[strconv.Itoa(b.pageNo)] = pdfPage{Content: pdfContent{Text: b.current}}
	return map[string]any{
		"papersize": "A4",
		"origin":    "upperLeft",
		"pages":     b.pages,
	}
}

// RenderPDF writes the report as a PDF built from a page description fed to
// pdfcpu's create API. Core fonts only, nothing embedded.
func RenderPDF(w io.Writer, rep *Report) error {
	blob, err := json.Marshal(buildPDFPages(rep))
	if err != nil {
		return fmt.Errorf("report: encode pdf description: %w", err)
	}
	conf := model.NewDefaultConfiguration()
	if err := api.Create(nil, bytes.NewReader(blob), w, conf); err != nil {
		return fmt.Errorf("report: create pdf: %w", err)
	}
	return nil
}

func buildPDFPages(rep *Report) map[string]any {
	b := newPDFBuilder()

	b.text("CTA Focus Report", "Helvetica-Bold", 18, "#1a1a2e")
	b.text(clean(rep.Headline), "Helvetica", 11, "#000000")

	var meta []string
	if rep.Source.Title != "" {
		meta = append(meta, clean(rep.Source.Title))
	}
	if rep.Source.URL != "" {
		meta = append(meta, clean(rep.Source.URL))
	}
	if rep.Source.CaptureMethod != "" {
		meta = append(meta, "captured via "+rep.Source.CaptureMethod)
	}
	if rep.DesiredBehavior != "" {
		meta = append(meta, "goal: "+clean(rep.DesiredBehavior))
	}
	meta = append(meta, "generated "+rep.GeneratedAt.Format("2006-01-02 15:04"))
	b.secondary(strings.Join(meta, "  |  "))

	b.heading("Summary")
	a := rep.Analytics
	b.mono(fmt.Sprintf("total CTAs %-6d average score %-8.1f top score %d", a.TotalCTAs, a.AverageScore, a.TopScore))
	b.mono(fmt.Sprintf("primary %-9d supporting %-10d off-goal %-7d neutral %d", a.PrimaryCount, a.SupportingCount, a.OffGoalCount, a.NeutralCount))
	b.mono(fmt.Sprintf("conflicts %-7d conflict level %s (%d)", a.ConflictCount, rep.ConflictLevel, rep.ConflictLevelScore))
	if rep.GoalSummary.DesiredBehavior != "" {
		g := rep.GoalSummary
		b.secondary(fmt.Sprintf("desired behavior %q: %d primary, %d competing, %d choice options",
			clean(g.DesiredBehavior), g.PrimaryCTAsFound, g.CompetingCTAsFound, g.TotalChoiceOptions))
	}

	if len(rep.Conflicts) > 0 {
		b.heading("Conflicts")
		for _, v := range rep.Conflicts {
			c := v.Conflict
			b.text(fmt.Sprintf("[%s] %s  (severity %d, impact %d, affects %d)",
				c.Priority, truncate(clean(c.ElementText), 120), v.SeverityScore, v.ImpactScore, v.AffectedCount),
				"Helvetica-Bold", 10, "#000000")
			if c.WhyCompetes != "" {
				b.body(truncate(clean(c.WhyCompetes), 400))
			}
			if c.BehavioralImpact != "" {
				b.secondary(truncate(clean(c.BehavioralImpact), 400))
			}
			b.gap(4)
		}
	}

	if len(rep.Insights) > 0 {
		b.heading("Behavioral insights")
		for _, ins := range rep.Insights {
			line := clean(ins.Principle)
			if ins.ImpactLevel != "" {
				line += " (" + clean(ins.ImpactLevel) + ")"
			}
			b.text(line, "Helvetica-Bold", 10, "#000000")
			b.body(truncate(clean(ins.Description), 400))
		}
	}

	if len(rep.Recommendations) > 0 {
		b.heading("Recommendations")
		for i, rec := range rep.Recommendations {
			line := fmt.Sprintf("%d. %s", i+1, truncate(clean(rec.Action), 200))
			if rec.Priority != "" {
				line += "  [" + clean(rec.Priority) + "]"
			}
			b.body(line)
			if rec.Rationale != "" {
				b.secondary(truncate(clean(rec.Rationale), 300))
			}
		}
	}

	if len(rep.CTAs) > 0 {
		b.heading("Detected CTAs")
		for i, c := range rep.CTAs {
			b.mono(fmt.Sprintf("%2d  %-10s %3d  %s", i, c.GoalRole, c.Score, truncate(clean(c.ExtractedText), 70)))
		}
	}

	return b.finish()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
