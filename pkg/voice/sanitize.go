package voice

import (
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// typographic maps punctuation that engines mispronounce (or that breaks
// their grapheme frontends) to ASCII equivalents.
var typographic = map[rune]string{
	'‘': "'", '’': "'", '‚': "'", '‛': "'",
	'“': `"`, '”': `"`, '„': `"`, '«': `"`, '»': `"`,
	'–': "-", '—': "-", '―': "-", '−': "-",
	'…': "...",
	'·': "-", '•': "-",
	' ': " ", ' ': " ", ' ': " ",
}

// fallbacks maps letters outside the supported alphabets to their closest
// pronounceable ASCII counterpart.
var fallbacks = map[rune]string{
	'ł': "l", 'Ł': "L",
	'ç': "c", 'Ç': "C",
	'ø': "o", 'Ø': "O",
	'ð': "d", 'Ð': "D",
	'þ': "th", 'Þ': "Th",
	'đ': "d", 'Đ': "D",
	'æ': "ae", 'Æ': "Ae",
	'œ': "oe", 'Œ': "Oe",
	'ñ': "n", 'Ñ': "N",
	'š': "s", 'Š': "S",
	'ž': "z", 'Ž': "Z",
}

// warnedRunes tracks codepoints already reported so each distinct dropped
// rune is logged exactly once per process.
var warnedRunes sync.Map

// combiningDiaeresis is the only combining mark that survives the Mn drop,
// and only on German umlaut bases. The final NFC pass recomposes it into the
// precomposed letter, so the output still carries no Mn codepoints.
const combiningDiaeresis = '̈'

// umlautBase reports whether r can carry a diaeresis in German.
func umlautBase(r rune) bool {
	switch r {
	case 'a', 'o', 'u', 'A', 'O', 'U':
		return true
	}
	return false
}

// Sanitize maps text to the subset that every supported engine renders
// correctly. The mapping is deterministic and idempotent:
//
//	NFKC -> NFD -> drop combining marks (keeping German umlauts) ->
//	typographic translation -> letter fallbacks -> allowed-set filter ->
//	whitespace collapse -> NFC
//
// The output is guaranteed to contain no codepoints of Unicode category Mn:
// the umlaut diaereses kept during the drop are recomposed into single
// precomposed letters by the final NFC pass.
func Sanitize(text string) string {
	s := norm.NFKC.String(text)
	s = norm.NFD.String(s)

	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Mn, r):
			if r == combiningDiaeresis && umlautBase(prev) {
				b.WriteRune(r)
			}
			prev = 0
			continue
		case typographic[r] != "":
			b.WriteString(typographic[r])
			prev = 0
		case fallbacks[r] != "":
			b.WriteString(fallbacks[r])
			prev = 0
		case allowedRune(r):
			b.WriteRune(r)
			prev = r
		default:
			if _, seen := warnedRunes.LoadOrStore(r, struct{}{}); !seen {
				slog.Warn("sanitizer dropped unsupported codepoint",
					"rune", string(r), "codepoint", r)
			}
			prev = 0
		}
	}

	return norm.NFC.String(strings.Join(strings.Fields(b.String()), " "))
}

// allowedRune reports whether r belongs to the engine-safe character set:
// ASCII letters and digits, the German sharp s, whitespace, and basic
// punctuation. Umlauts arrive here decomposed into base letter plus
// diaeresis; the base letter passes this check and the diaeresis is handled
// in the Mn branch above.
func allowedRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == 'ß' || r == 'ẞ':
		return true
	case unicode.IsSpace(r):
		return true
	}
	switch r {
	case '.', ',', '!', '?', ';', ':', '\'', '"', '(', ')', '-', '%', '&', '+', '/':
		return true
	}
	return false
}
