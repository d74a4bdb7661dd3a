package batch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentionlab/mentionlab/pkg/models"
)

func testBrands() []models.Brand {
	return []models.Brand{
		{Name: "Acme", OwnBrand: true, Active: true},
		{Name: "Beta", Active: true},
	}
}

func TestAnalysisPrompt(t *testing.T) {
	prompt := analysisPrompt(testBrands(), "Acme makes great tools.")

	assert.Contains(t, prompt, `"Acme" (own)`)
	assert.Contains(t, prompt, `"Beta" (competitor)`)
	assert.Contains(t, prompt, "every listed brand exactly once")
	assert.Contains(t, prompt, "overallSentiment")
	assert.True(t, strings.HasSuffix(prompt, "Acme makes great tools."))
}

func TestParseSentimentReply(t *testing.T) {
	answer := "I would recommend Acme first, though Beta is cheaper."
	reply := `Here is the analysis you asked for:
{"brands":[
  {"brandKeywords":"Acme","type":"own","mentioned":true,"sentiment":"positive","position":1},
  {"brandKeywords":"Beta","type":"competitor","mentioned":true,"sentiment":"negative","position":2}
],"overallSentiment":"positive"}`

	verdict, err := ParseSentimentReply(reply, testBrands(), answer)
	require.NoError(t, err)

	require.Len(t, verdict.Brands, 2)
	acme, beta := verdict.Brands[0], verdict.Brands[1]

	assert.Equal(t, "Acme", acme.BrandKeywords)
	assert.Equal(t, models.BrandTypeOwn, acme.Type)
	assert.True(t, acme.Mentioned)
	assert.Equal(t, models.SentimentPositive, acme.Sentiment)
	require.NotNil(t, acme.Position)
	assert.Equal(t, 1, *acme.Position)

	assert.Equal(t, "Beta", beta.BrandKeywords)
	assert.Equal(t, models.BrandTypeCompetitor, beta.Type)
	assert.True(t, beta.Mentioned)
	assert.Equal(t, models.SentimentNegative, beta.Sentiment)
	require.NotNil(t, beta.Position)
	assert.Equal(t, 2, *beta.Position)

	assert.Equal(t, models.SentimentPositive, verdict.OverallSentiment)
}

func TestParseSentimentReply_PositionsFollowTheText(t *testing.T) {
	// The model claims Acme came first; the answer text says otherwise.
	answer := "Beta leads the market, Acme trails behind."
	reply := `{"brands":[
  {"brandKeywords":"Acme","type":"own","mentioned":true,"sentiment":"negative","position":1},
  {"brandKeywords":"Beta","type":"competitor","mentioned":true,"sentiment":"positive","position":2}
],"overallSentiment":"not-determined"}`

	verdict, err := ParseSentimentReply(reply, testBrands(), answer)
	require.NoError(t, err)

	require.NotNil(t, verdict.Brands[0].Position)
	require.NotNil(t, verdict.Brands[1].Position)
	assert.Equal(t, 2, *verdict.Brands[0].Position) // Acme
	assert.Equal(t, 1, *verdict.Brands[1].Position) // Beta
}

func TestParseSentimentReply_UnmentionedBrand(t *testing.T) {
	answer := "Acme is the only option worth considering."
	reply := `{"brands":[
  {"brandKeywords":"Acme","type":"own","mentioned":true,"sentiment":"positive","position":1},
  {"brandKeywords":"Beta","type":"competitor","mentioned":false,"sentiment":"positive","position":7}
],"overallSentiment":"positive"}`

	verdict, err := ParseSentimentReply(reply, testBrands(), answer)
	require.NoError(t, err)

	beta := verdict.Brands[1]
	assert.False(t, beta.Mentioned)
	// Unmentioned brands never carry a sentiment or position, whatever the
	// model put in those fields.
	assert.Equal(t, models.SentimentNotDetermined, beta.Sentiment)
	assert.Nil(t, beta.Position)
}

func TestParseSentimentReply_FillsMissingAndDropsUnknown(t *testing.T) {
	answer := "Acme all the way."
	reply := `{"brands":[
  {"brandKeywords":"Acme","type":"own","mentioned":true,"sentiment":"positive","position":1},
  {"brandKeywords":"Gamma Corp","type":"competitor","mentioned":true,"sentiment":"positive","position":2}
],"overallSentiment":"positive"}`

	verdict, err := ParseSentimentReply(reply, testBrands(), answer)
	require.NoError(t, err)

	// Exactly the configured brands, in configured order: the invented
	// Gamma Corp is gone and the forgotten Beta is back as unmentioned.
	require.Len(t, verdict.Brands, 2)
	assert.Equal(t, "Acme", verdict.Brands[0].BrandKeywords)
	assert.Equal(t, "Beta", verdict.Brands[1].BrandKeywords)
	assert.False(t, verdict.Brands[1].Mentioned)
}

func TestParseSentimentReply_InvalidSentimentValue(t *testing.T) {
	reply := `{"brands":[{"brandKeywords":"Acme","type":"own","mentioned":true,"sentiment":"ecstatic"}],"overallSentiment":"meh"}`

	verdict, err := ParseSentimentReply(reply, testBrands(), "Acme.")
	require.NoError(t, err)
	assert.Equal(t, models.SentimentNotDetermined, verdict.Brands[0].Sentiment)
	assert.Equal(t, models.SentimentNotDetermined, verdict.OverallSentiment)
}

func TestParseSentimentReply_NoJSON(t *testing.T) {
	_, err := ParseSentimentReply("Sure! Here is the data.", testBrands(), "whatever")
	assert.Error(t, err)
}

func TestDefaultSentiment(t *testing.T) {
	verdict := DefaultSentiment(testBrands())

	require.Len(t, verdict.Brands, 2)
	for _, b := range verdict.Brands {
		assert.False(t, b.Mentioned)
		assert.Equal(t, models.SentimentNotDetermined, b.Sentiment)
		assert.Nil(t, b.Position)
	}
	assert.Equal(t, models.SentimentNotDetermined, verdict.OverallSentiment)
	assert.Equal(t, models.BrandTypeOwn, verdict.Brands[0].Type)
	assert.Equal(t, models.BrandTypeCompetitor, verdict.Brands[1].Type)
}

func TestFirstJSONBlock(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"wrapped in prose", "Sure thing!\n```json\n{\"a\":{\"b\":2}}\n```\nHope that helps.", `{"a":{"b":2}}`, true},
		{"brace inside string", `{"a":"closing } brace"}`, `{"a":"closing } brace"}`, true},
		{"escaped quote inside string", `{"a":"say \"}\" loudly"}`, `{"a":"say \"}\" loudly"}`, true},
		{"unterminated", `{"a":1`, "", false},
		{"no object", "plain text", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := firstJSONBlock(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
