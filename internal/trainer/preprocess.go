// Package trainer implements the on-server classifier training pipeline:
// text preprocessing, a TF-IDF vectorizer, a random-forest classifier, and
// a soft-voting ensemble combiner, with gob-based artifact serialization
// for the Blob Store.
package trainer

import "strings"

// stopwords is a small frozen English stopword list; trimmed to the most
// frequent closed-class words rather than an exhaustive linguistic list.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "to": {}, "of": {}, "and": {}, "or": {},
	"in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "by": {}, "from": {},
	"it": {}, "this": {}, "that": {}, "i": {}, "you": {}, "he": {}, "she": {},
	"we": {}, "they": {}, "my": {}, "your": {}, "do": {}, "does": {}, "did": {},
	"have": {}, "has": {}, "had": {}, "can": {}, "will": {}, "would": {}, "should": {},
}

var suffixes = []string{"ing", "edly", "ed", "ness", "ment", "es", "s"}

// lemmatizeLite strips common English suffixes. A simplification of full
// Porter/Snowball stemming, sufficient for short classifier input text.
func lemmatizeLite(tok string) string {
	if len(tok) <= 4 {
		return tok
	}
	for _, suf := range suffixes {
		if strings.HasSuffix(tok, suf) && len(tok)-len(suf) >= 3 {
			return tok[:len(tok)-len(suf)]
		}
	}
	return tok
}

// Tokenize lowercases, splits on runes other than ASCII letters and digits, drops stopwords and
// single-character tokens, and lemmatizes what remains.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, lemmatizeLite(f))
	}
	return out
}

// ngrams produces every n-gram with min <= n <= max from the token sequence,
// joined by "_", matching the Vectorizer's NGramRange.
func ngrams(tokens []string, min, max int) []string {
	var out []string
	for n := min; n <= max; n++ {
		if n <= 0 {
			continue
		}
		for i := 0; i+n <= len(tokens); i++ {
			out = append(out, strings.Join(tokens[i:i+n], "_"))
		}
	}
	return out
}
