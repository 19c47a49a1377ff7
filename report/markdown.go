package report

import (
	"bytes"
	"fmt"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// RenderMarkdown converts the HTML rendering to Markdown, so both formats
// always present the same content.
func RenderMarkdown(rep *Report) (string, error) {
	var buf bytes.Buffer
	if err := RenderHTML(&buf, rep); err != nil {
		return "", err
	}
	md, err := mdConverter.ConvertString(buf.String())
	if err != nil {
		return "", fmt.Errorf("report: convert markdown: %w", err)
	}
	return md, nil
}
