// Package classify is the emotion/toxicity oracle: a lexicon pattern
// matcher with a fixed interface. Input text, output an emotion tag and a
// toxicity verdict. Stateless.
package classify

import (
	"regexp"

	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
)

// Verdict is the result of a toxicity screen.
type Verdict struct {
	IsToxic bool
	Reason  string
}

var toxicRegex = regexp.MustCompile(`(?i)\b(idiot|stupid|dumb|moron|loser|pathetic|worthless|ugly|shut up|hate you|kill yourself|nobody likes you)\b`)

// Emotion lexicons are checked in a fixed order; the first match wins.
var emotionLexicons = []struct {
	tag models.EmotionTag
	re  *regexp.Regexp
}{
	{models.EmotionAnxious, regexp.MustCompile(`(?i)\b(anxious|anxiety|worried|worry|nervous|scared|afraid|panic|panicking)\b`)},
	{models.EmotionStressed, regexp.MustCompile(`(?i)\b(stressed|stress|overwhelmed|pressure|deadline|deadlines|exhausted|burnout|burned out|can't cope)\b`)},
	{models.EmotionSad, regexp.MustCompile(`(?i)\b(sad|unhappy|depressed|crying|cried|lonely|miserable|heartbroken|miss you|hopeless)\b`)},
	{models.EmotionAngry, regexp.MustCompile(`(?i)\b(angry|furious|mad|annoyed|irritated|fed up|outraged|hate)\b`)},
	{models.EmotionHappy, regexp.MustCompile(`(?i)\b(happy|glad|great|awesome|amazing|wonderful|excited|love|yay|fantastic|delighted)\b`)},
}

// Emotion tags text with the first matching lexicon, neutral otherwise.
func Emotion(text string) models.EmotionTag {
	for _, lex := range emotionLexicons {
		if lex.re.MatchString(text) {
			return lex.tag
		}
	}
	return models.EmotionNeutral
}

// Toxicity screens text before it is allowed to persist.
func Toxicity(text string) Verdict {
	if toxicRegex.MatchString(text) {
		return Verdict{IsToxic: true, Reason: "offensive language"}
	}
	return Verdict{}
}
