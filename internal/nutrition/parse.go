// Package nutrition derives structured data from a completed analysis and
// records its consumption.
package nutrition

import (
	"fmt"
	"strings"

	"github.com/Cybrite/project-amobagan/internal/stream"
	"github.com/PuerkitoBio/goquery"
)

// Element ids embedded in the analysis markup.
const (
	ElementsID = "nutritionalInfos"
	SummaryID  = "transcript_summary"
)

// Details is what the relay extracts from a final analysis.
type Details struct {
	// Elements are the nutritional elements the product provides.
	Elements []string
	// Summary is the text meant to be spoken.
	Summary string
}

// ParseArtifact extracts Details from a completed analysis.
func ParseArtifact(a stream.Artifact) (Details, error) {
	return Parse(a.Text())
}

// Parse extracts Details from analysis text. The summary falls back to the
// text content of the whole document when no summary element is present.
func Parse(text string) (Details, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return Details{}, fmt.Errorf("parse analysis markup: %w", err)
	}

	var d Details
	if sel := doc.Find("#" + ElementsID).First(); sel.Length() > 0 {
		d.Elements = splitElements(sel.Text())
	}

	if sel := doc.Find("#" + SummaryID).First(); sel.Length() > 0 {
		d.Summary = collapseSpace(sel.Text())
	}
	if d.Summary == "" {
		doc.Find("#" + ElementsID).Remove()
		doc.Find("script, style").Remove()
		d.Summary = collapseSpace(doc.Text())
	}
	return d, nil
}

func splitElements(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key := strings.ToLower(part)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, part)
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
