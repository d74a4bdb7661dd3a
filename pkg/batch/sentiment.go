package batch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mentionlab/mentionlab/pkg/models"
)

// analysisPrompt builds the sentiment instruction for one answer. The
// contract with the parser: the model must echo every listed brand exactly
// once, using the exact configured strings, and reply with a single JSON
// object.
func analysisPrompt(brands []models.Brand, answer string) string {
	var b strings.Builder
	b.WriteString("You are a brand sentiment analyst. Analyze the text below for mentions of these brands:\n\n")
	for _, brand := range brands {
		fmt.Fprintf(&b, "- %q (%s)\n", brand.Name, brand.Type())
	}
	b.WriteString(`
Reply with a single JSON object and nothing else, in this exact shape:

{"brands":[{"brandKeywords":"<brand>","type":"own|competitor","mentioned":true,"sentiment":"positive|negative|not-determined","position":1}],"overallSentiment":"positive|negative|not-determined"}

Rules:
- brandKeywords must be one of the exact brand strings listed above. No synonyms, no expansions, no extra brands.
- Include every listed brand exactly once, whether it is mentioned or not.
- A brand counts as mentioned only when the text clearly refers to it.
- position is the 1-based order in which mentioned brands first appear; use null for brands that are not mentioned.
- sentiment for a brand that is not mentioned is "not-determined".

Text:
`)
	b.WriteString(answer)
	return b.String()
}

// replyBrand is the wire shape of one per-brand verdict in a model reply.
type replyBrand struct {
	BrandKeywords string `json:"brandKeywords"`
	Type          string `json:"type"`
	Mentioned     bool   `json:"mentioned"`
	Sentiment     string `json:"sentiment"`
	Position      *int   `json:"position"`
}

// sentimentReply is the wire shape of a full model reply.
type sentimentReply struct {
	Brands           []replyBrand `json:"brands"`
	OverallSentiment string       `json:"overallSentiment"`
}

// ParseSentimentReply turns a raw analyzer reply into a validated verdict.
// The reply is untrusted: only the first balanced JSON object is read,
// unknown brands are dropped, brands the model forgot are filled in as
// unmentioned, brand types come from configuration rather than the reply,
// and positions are reassigned from the answer text. An unparseable reply is
// an error; the caller falls back to DefaultSentiment.
func ParseSentimentReply(reply string, brands []models.Brand, answer string) (*models.SentimentAnalysis, error) {
	block, ok := firstJSONBlock(reply)
	if !ok {
		return nil, fmt.Errorf("reply contains no JSON object")
	}

	var parsed sentimentReply
	if err := json.Unmarshal([]byte(block), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode sentiment reply: %w", err)
	}

	byName := make(map[string]*replyBrand, len(parsed.Brands))
	for i := range parsed.Brands {
		byName[parsed.Brands[i].BrandKeywords] = &parsed.Brands[i]
	}

	out := make([]models.BrandSentiment, 0, len(brands))
	for _, brand := range brands {
		verdict := models.BrandSentiment{
			BrandKeywords: brand.Name,
			Type:          brand.Type(),
			Sentiment:     models.SentimentNotDetermined,
		}
		if entry, ok := byName[brand.Name]; ok && entry.Mentioned {
			verdict.Mentioned = true
			if s := models.Sentiment(entry.Sentiment); s.IsValid() {
				verdict.Sentiment = s
			}
		}
		out = append(out, verdict)
	}
	assignPositions(out, answer)

	overall := models.Sentiment(parsed.OverallSentiment)
	if !overall.IsValid() {
		overall = models.SentimentNotDetermined
	}
	return &models.SentimentAnalysis{Brands: out, OverallSentiment: overall}, nil
}

// DefaultSentiment is the fallback verdict when analysis fails: every brand
// unmentioned and not-determined.
func DefaultSentiment(brands []models.Brand) *models.SentimentAnalysis {
	out := make([]models.BrandSentiment, 0, len(brands))
	for _, brand := range brands {
		out = append(out, models.BrandSentiment{
			BrandKeywords: brand.Name,
			Type:          brand.Type(),
			Mentioned:     false,
			Sentiment:     models.SentimentNotDetermined,
		})
	}
	return &models.SentimentAnalysis{
		Brands:           out,
		OverallSentiment: models.SentimentNotDetermined,
	}
}

// assignPositions numbers mentioned brands from 1 in the order their name
// first appears in the answer text, case-insensitively. Mentioned brands the
// scan cannot locate keep their list order after the located ones, so
// positions stay deterministic no matter what the model replied. Unmentioned
// brands keep a nil position.
func assignPositions(verdicts []models.BrandSentiment, answer string) {
	lower := strings.ToLower(answer)

	type mention struct {
		verdict *models.BrandSentiment
		index   int
		order   int
	}
	var mentions []mention
	for i := range verdicts {
		if !verdicts[i].Mentioned {
			verdicts[i].Position = nil
			continue
		}
		idx := strings.Index(lower, strings.ToLower(verdicts[i].BrandKeywords))
		mentions = append(mentions, mention{verdict: &verdicts[i], index: idx, order: i})
	}

	sort.SliceStable(mentions, func(a, b int) bool {
		ma, mb := mentions[a], mentions[b]
		if (ma.index < 0) != (mb.index < 0) {
			return mb.index < 0
		}
		if ma.index != mb.index {
			return ma.index < mb.index
		}
		return ma.order < mb.order
	})

	for i := range mentions {
		pos := i + 1
		mentions[i].verdict.Position = &pos
	}
}

// firstJSONBlock extracts the first balanced top-level {...} block,
// respecting string literals and escapes. Models often wrap their JSON in
// prose or code fences; everything around the block is ignored.
func firstJSONBlock(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
