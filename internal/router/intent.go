// Package router turns transcripts into reply text. The stages run in a
// fixed order: intent classification, external workflow dispatch, built-in
// skills, LLM chat with rolling history, and a generic fallback answer.
package router

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Well-known intent names used across the routing stages.
const (
	// IntentExternal marks a request that should be forwarded to an
	// external workflow endpoint.
	IntentExternal = "external_request"
	// IntentTime is served by the built-in clock skill.
	IntentTime = "time_query"
)

// defaultThreshold is the minimum confidence for a classification to count.
const defaultThreshold = 0.5

// fuzzyFloor is the minimum Jaro-Winkler score a non-verbatim match must
// reach before it counts at all. The metric scores even unrelated short
// strings well above 0.5, so fuzzy candidates need a stricter bar than the
// classifier threshold.
const fuzzyFloor = 0.8

// Classification is the classifier verdict for one transcript. Intent is
// empty when no known intent clears the threshold; Confidence then carries
// the best rejected score for logging.
type Classification struct {
	Intent     string
	Confidence float64
}

// Classifier matches transcripts against per-intent trigger phrases.
//
// A phrase contained verbatim in the transcript scores 1.0. Otherwise the
// transcript's n-grams of the phrase's token count are ranked by Jaro-Winkler
// similarity, both as full strings and pairwise per token, and the best score
// wins. Read-only after the AddIntent calls, so safe for concurrent use.
type Classifier struct {
	threshold float64
	order     []string
	phrases   map[string][]string
}

// ClassifierOption configures a [Classifier].
type ClassifierOption func(*Classifier)

// WithThreshold overrides the minimum accepted confidence. Default: 0.5.
func WithThreshold(t float64) ClassifierOption {
	return func(c *Classifier) {
		c.threshold = t
	}
}

// NewClassifier returns a classifier with no intents registered.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		threshold: defaultThreshold,
		phrases:   make(map[string][]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AddIntent registers trigger phrases for an intent. Calling it again for the
// same intent appends.
func (c *Classifier) AddIntent(intent string, phrases ...string) {
	if _, ok := c.phrases[intent]; !ok {
		c.order = append(c.order, intent)
	}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			c.phrases[intent] = append(c.phrases[intent], p)
		}
	}
}

// Classify scores text against every registered intent and returns the best
// one, or an empty intent when nothing clears the threshold.
func (c *Classifier) Classify(text string) Classification {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Classification{}
	}
	tokens := strings.Fields(lower)

	var best Classification
	for _, intent := range c.order {
		for _, phrase := range c.phrases[intent] {
			score := phraseScore(lower, tokens, phrase)
			if score > best.Confidence {
				best = Classification{Intent: intent, Confidence: score}
			}
		}
	}
	if best.Confidence < c.threshold {
		best.Intent = ""
	}
	return best
}

// phraseScore rates how well phrase matches the transcript. Verbatim
// containment short-circuits at 1.0; otherwise sliding n-grams of the
// phrase's length are ranked by Jaro-Winkler, and anything under fuzzyFloor
// scores zero.
func phraseScore(text string, tokens []string, phrase string) float64 {
	if strings.Contains(text, phrase) {
		return 1.0
	}

	phraseTokens := strings.Fields(phrase)
	n := len(phraseTokens)
	if n == 0 || len(tokens) == 0 {
		return 0
	}

	var best float64
	if len(tokens) < n {
		best = matchr.JaroWinkler(strings.Join(tokens, " "), phrase, false)
	}
	for i := 0; i+n <= len(tokens); i++ {
		gram := strings.Join(tokens[i:i+n], " ")
		if s := matchr.JaroWinkler(gram, phrase, false); s > best {
			best = s
		}
		// Positional token average catches single-word STT slips inside a
		// longer phrase without letting one shared word carry the match.
		var sum float64
		for j, pt := range phraseTokens {
			sum += matchr.JaroWinkler(tokens[i+j], pt, false)
		}
		if s := sum / float64(n); s > best {
			best = s
		}
	}
	if best < fuzzyFloor {
		return 0
	}
	return best
}
