package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySectors(t *testing.T) {
	c := NewRuleClassifier()

	tests := []struct {
		content string
		want    string
	}{
		{"Yesterday I went to the dentist and then visited my mother", Episodic},
		{"How to install the toolchain: first run the script, then configure the path", Procedural},
		{"I feel so happy and excited about the launch", Emotional},
		{"I realized that shipping small changes is the lesson here", Reflective},
		{"Paris is a city known as the capital of France", Semantic},
	}
	for _, tt := range tests {
		got := c.Classify(tt.content)
		assert.Equal(t, tt.want, got.Primary, "content: %s", tt.content)
		assert.Greater(t, got.Confidence, 0.0)
	}
}

func TestClassifyFallback(t *testing.T) {
	c := NewRuleClassifier()
	got := c.Classify("xylophone zebra quartz")
	assert.Equal(t, Semantic, got.Primary)
	assert.InDelta(t, fallbackConfidence, got.Confidence, 1e-9)
	assert.Contains(t, got.Scores, Semantic)
}

func TestClassifyConfidenceCap(t *testing.T) {
	c := NewRuleClassifier()
	got := c.Classify("I love it, I hate it, I feel happy, sad, angry, excited, afraid, scared, anxious, worried and proud")
	assert.Equal(t, Emotional, got.Primary)
	assert.LessOrEqual(t, got.Confidence, maxConfidence)
}

func TestClassifyMultiSectorScores(t *testing.T) {
	c := NewRuleClassifier()
	got := c.Classify("Yesterday I learned that I feel anxious before every deploy")
	assert.Contains(t, got.Scores, Episodic)
	assert.Contains(t, got.Scores, Emotional)
}

func TestKeywordsFrequencyOrder(t *testing.T) {
	kws := Keywords("coffee coffee coffee beans beans grinder", 3)
	require.Len(t, kws, 3)
	assert.Equal(t, []string{"coffee", "beans", "grinder"}, kws)
}

func TestKeywordsSkipStopwordsAndShortTokens(t *testing.T) {
	kws := Keywords("the ox is on a big mat", 5)
	assert.NotContains(t, kws, "the")
	assert.NotContains(t, kws, "is")
	assert.NotContains(t, kws, "on")
	assert.NotContains(t, kws, "ox") // under three characters
	assert.Contains(t, kws, "big")
	assert.Contains(t, kws, "mat")
}

func TestKeywordsEmpty(t *testing.T) {
	assert.Empty(t, Keywords("", 5))
	assert.Empty(t, Keywords("a an of", 5))
}
