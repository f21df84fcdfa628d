package analyzer

import (
	"strings"
	"unicode"
)

// Feature is a weighted term produced from text.
type Feature struct {
	Term   string
	Weight float32
}

// Feature weights relative to a whole word.
const (
	bigramWeight  = 0.5
	trigramWeight = 0.35
)

// Tokenizer splits text into lower-cased tokens with stopword removal and
// optional stemming.
type Tokenizer struct {
	stopwords map[string]struct{}
	stemmer   *PorterStemmer
}

// NewTokenizer creates a new Tokenizer.
func NewTokenizer(useStemming bool) *Tokenizer {
	t := &Tokenizer{stopwords: defaultStopwords()}
	if useStemming {
		t.stemmer = NewPorterStemmer()
	}
	return t
}

// Tokenize splits text into tokens.
func (t *Tokenizer) Tokenize(text string) []string {
	words := splitWords(text)
	tokens := make([]string, 0, len(words))

	for _, word := range words {
		word = strings.ToLower(word)
		if len([]rune(word)) < 2 {
			continue
		}
		if _, isStop := t.stopwords[word]; isStop {
			continue
		}
		if t.stemmer != nil {
			word = t.stemmer.Stem(word)
		}
		tokens = append(tokens, word)
	}

	return tokens
}

// Features expands text into words, adjacent word pairs and character
// trigrams of each word. Trigrams let inflections of a word share most of
// their features ("password" and "passwords").
func (t *Tokenizer) Features(text string) []Feature {
	tokens := t.Tokenize(text)
	feats := make([]Feature, 0, len(tokens)*6)

	for i, tok := range tokens {
		feats = append(feats, Feature{Term: "w:" + tok, Weight: 1})
		if i > 0 {
			feats = append(feats, Feature{Term: "b:" + tokens[i-1] + " " + tok, Weight: bigramWeight})
		}
		padded := []rune("^" + tok + "$")
		for j := 0; j+3 <= len(padded); j++ {
			feats = append(feats, Feature{Term: "t:" + string(padded[j:j+3]), Weight: trigramWeight})
		}
	}
	return feats
}

// splitWords splits text into words using unicode word boundaries.
func splitWords(text string) []string {
	var words []string
	var current strings.Builder

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 0 {
				words = append(words, current.String())
				current.Reset()
			}
		}
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}

	return words
}

// defaultStopwords returns a set of common English stopwords.
func defaultStopwords() map[string]struct{} {
	stops := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with", "this",
		"have", "had", "but", "you", "your", "we", "our", "my", "me",
		"they", "their", "she", "her", "his", "if", "or", "so",
		"can", "do", "does", "did", "been", "being", "would",
		"could", "should", "may", "might", "must", "shall", "which",
		"who", "whom", "what", "when", "where", "why", "how", "all",
		"please", "some", "such", "than", "too", "very", "just", "also",
	}
	m := make(map[string]struct{}, len(stops))
	for _, s := range stops {
		m[s] = struct{}{}
	}
	return m
}
