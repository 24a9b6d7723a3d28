package runtime

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRefs(t *testing.T) {
	text := "- button \"Go\" [ref=e1]\n  - text: hi\n- link \"Home\" [ref=e2]"
	refs := extractRefs(text)
	assert.Equal(t, []string{"e1", "e2"}, refs)
}

func TestQualifyRefsRewritesAndIndexes(t *testing.T) {
	text := "- button \"Go\" [ref=e1]\n- link \"Home\" [ref=e2]"
	refIndex := make(map[string]frameRef)

	out := qualifyRefs(text, "f1", refIndex, cdp.FrameID("child-frame"))

	assert.Contains(t, out, "[ref=f1_e1]")
	assert.Contains(t, out, "[ref=f1_e2]")
	require.Contains(t, refIndex, "f1_e1")
	assert.Equal(t, cdp.FrameID("child-frame"), refIndex["f1_e1"].frameID)
	assert.Equal(t, "e1", refIndex["f1_e1"].local)
}

func TestSpliceChildInsertsAtCorrectOccurrence(t *testing.T) {
	lines := []string{
		"- generic",
		"  - iframe [ref=e1]",
		"  - iframe [ref=e2]",
	}
	childText := "- button \"Inner\" [ref=e1]"

	out := spliceChild(lines, 1, childText)

	require.Len(t, out, 4)
	assert.Equal(t, "  - iframe [ref=e2]", out[2])
	assert.Equal(t, "    - button \"Inner\" [ref=e1]", out[3])
}

func TestSpliceChildNoMatchingOccurrenceIsNoop(t *testing.T) {
	lines := []string{"- generic"}
	out := spliceChild(lines, 0, "- button [ref=e1]")
	assert.Equal(t, lines, out)
}
