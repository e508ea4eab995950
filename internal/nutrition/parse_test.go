package nutrition

import (
	"testing"
	"time"

	"github.com/Cybrite/project-amobagan/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleAnalysis = `<h2>Nutri-Score: B</h2>
<p>Good source of protein.</p>
<div id="nutritionalInfos" hidden>Protein, fiber , , Vitamin C, protein</div>
<p id="transcript_summary">This oat bar is a
  good source of protein and fiber.</p>`

func TestParse(t *testing.T) {
	t.Parallel()

	d, err := Parse(sampleAnalysis)
	require.NoError(t, err)
	assert.Equal(t, []string{"Protein", "fiber", "Vitamin C"}, d.Elements)
	assert.Equal(t, "This oat bar is a good source of protein and fiber.", d.Summary)
}

func TestParse_SummaryFallback(t *testing.T) {
	t.Parallel()

	d, err := Parse("<h2>Nutri-Score: D</h2>\n<div id=\"nutritionalInfos\">Sugar</div>\n<p>High in sugar.</p>")
	require.NoError(t, err)
	assert.Equal(t, []string{"Sugar"}, d.Elements)
	assert.Equal(t, "Nutri-Score: D High in sugar.", d.Summary)
}

func TestParse_PlainText(t *testing.T) {
	t.Parallel()

	d, err := Parse("Nutri-Score: B\n\nDetails...")
	require.NoError(t, err)
	assert.Empty(t, d.Elements)
	assert.Equal(t, "Nutri-Score: B Details...", d.Summary)
}

func TestParseArtifact(t *testing.T) {
	t.Parallel()

	a, err := stream.RestoreArtifact("s1", "123", sampleAnalysis, time.Now())
	require.NoError(t, err)
	d, err := ParseArtifact(a)
	require.NoError(t, err)
	assert.Len(t, d.Elements, 3)
}

func TestFilterByPriorities(t *testing.T) {
	t.Parallel()

	matched, skipped := FilterByPriorities(
		[]string{"PROTEIN", "dietary fiber", "Sugar", " "},
		[]string{"protein", "Fiber"},
	)
	assert.Equal(t, []string{"Protein", "Dietary Fiber"}, matched)
	assert.Equal(t, []string{"Sugar"}, skipped)

	matched, skipped = FilterByPriorities([]string{"Protein"}, nil)
	assert.Empty(t, matched)
	assert.Equal(t, []string{"Protein"}, skipped)
}
