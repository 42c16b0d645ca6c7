package router

import "testing"

func testClassifier() *Classifier {
	c := NewClassifier()
	c.AddIntent(IntentExternal, "starte den workflow", "run the workflow")
	c.AddIntent(IntentTime, "wie spät ist es", "what time is it")
	return c
}

func TestClassifyVerbatimPhrase(t *testing.T) {
	t.Parallel()

	c := testClassifier()
	got := c.Classify("Hey, starte den Workflow bitte")
	if got.Intent != IntentExternal {
		t.Errorf("intent: want %q, got %q", IntentExternal, got.Intent)
	}
	if got.Confidence != 1.0 {
		t.Errorf("verbatim phrase must score 1.0, got %v", got.Confidence)
	}
}

func TestClassifyFuzzyTranscription(t *testing.T) {
	t.Parallel()

	c := testClassifier()
	// STT wrote the umlaut out; the phrase should still match.
	got := c.Classify("wie spaet ist es gerade")
	if got.Intent != IntentTime {
		t.Errorf("intent: want %q, got %q (confidence %v)", IntentTime, got.Intent, got.Confidence)
	}
	if got.Confidence < defaultThreshold {
		t.Errorf("fuzzy match must clear the threshold, got %v", got.Confidence)
	}
}

func TestClassifySmalltalkStaysEmpty(t *testing.T) {
	t.Parallel()

	// Jaro-Winkler scores unrelated short strings deceptively high; ordinary
	// smalltalk must not trip an intent and steal the reply from the LLM.
	c := DefaultClassifier()
	for _, text := range []string{"erzähl mir etwas", "und noch etwas", "hallo du", "irgendein smalltalk"} {
		if got := c.Classify(text); got.Intent != "" {
			t.Errorf("smalltalk %q must not classify, got %q (%v)", text, got.Intent, got.Confidence)
		}
	}
}

func TestClassifyUnknownStaysEmpty(t *testing.T) {
	t.Parallel()

	c := testClassifier()
	if got := c.Classify("zzz qqq vvv"); got.Intent != "" {
		t.Errorf("dissimilar input must not classify, got %q (%v)", got.Intent, got.Confidence)
	}
	if got := c.Classify(""); got.Intent != "" || got.Confidence != 0 {
		t.Errorf("empty input: got %+v", got)
	}
}

func TestClassifyShorterThanPhrase(t *testing.T) {
	t.Parallel()

	c := testClassifier()
	// Fewer tokens than the phrase still compares against the whole phrase.
	got := c.Classify("wie spät ist")
	if got.Intent != IntentTime {
		t.Errorf("partial phrase: want %q, got %q (%v)", IntentTime, got.Intent, got.Confidence)
	}
}

func TestClassifyThresholdOverride(t *testing.T) {
	t.Parallel()

	c := NewClassifier(WithThreshold(0.99))
	c.AddIntent(IntentTime, "wie spät ist es")
	if got := c.Classify("wie spaet ist es"); got.Intent != "" {
		t.Errorf("near match must fail a 0.99 threshold, got %q (%v)", got.Intent, got.Confidence)
	}
	if got := c.Classify("wie spät ist es"); got.Intent != IntentTime {
		t.Errorf("exact phrase must still pass, got %q", got.Intent)
	}
}
