package analyzer

import (
	"testing"
)

func TestTokenizer_Tokenize(t *testing.T) {
	tok := NewTokenizer(false)

	tokens := tok.Tokenize("I forgot my Login PASSWORD")
	expected := []string{"forgot", "login", "password"}
	if len(tokens) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, tokens)
	}
	for i := range expected {
		if tokens[i] != expected[i] {
			t.Errorf("token %d: expected %q, got %q", i, expected[i], tokens[i])
		}
	}
}

func TestTokenizer_StopwordRemoval(t *testing.T) {
	tok := NewTokenizer(false)

	tokens := tok.Tokenize("the quick brown fox")
	for _, token := range tokens {
		if token == "the" {
			t.Errorf("stopword 'the' should be removed, got %v", tokens)
		}
	}
}

func TestTokenizer_ShortWordRemoval(t *testing.T) {
	tok := NewTokenizer(false)

	tokens := tok.Tokenize("a I go to")
	for _, token := range tokens {
		if len(token) < 2 {
			t.Errorf("short word should be removed: %s", token)
		}
	}
}

func TestTokenizer_EmptyInput(t *testing.T) {
	tok := NewTokenizer(false)

	if tokens := tok.Tokenize(""); len(tokens) != 0 {
		t.Errorf("expected 0 tokens for empty input, got %d", len(tokens))
	}
	if feats := tok.Features("   "); len(feats) != 0 {
		t.Errorf("expected 0 features for blank input, got %d", len(feats))
	}
}

func TestTokenizer_Features(t *testing.T) {
	tok := NewTokenizer(false)

	feats := tok.Features("reset password")
	terms := make(map[string]float32)
	for _, f := range feats {
		terms[f.Term] = f.Weight
	}

	for _, want := range []string{"w:reset", "w:password", "b:reset password", "t:^pa", "t:rd$"} {
		if _, ok := terms[want]; !ok {
			t.Errorf("missing feature %q in %v", want, feats)
		}
	}
	if terms["w:reset"] <= terms["t:^pa"] {
		t.Errorf("word features should outweigh trigrams")
	}
}

func TestTokenizer_FeaturesShareTrigramsAcrossInflections(t *testing.T) {
	tok := NewTokenizer(false)

	a := make(map[string]bool)
	for _, f := range tok.Features("password") {
		a[f.Term] = true
	}
	shared := 0
	for _, f := range tok.Features("passwords") {
		if a[f.Term] {
			shared++
		}
	}
	if shared < 5 {
		t.Errorf("expected most trigrams shared, got %d", shared)
	}
}

func TestSplitWords(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"hello world", 2},
		{"hello_world", 1},
		{"hello-world", 2},
		{"printer (3rd floor)", 3},
		{"CamelCase", 1},
		{"123numbers456", 1},
		{"naïve café", 2},
	}

	for _, tt := range tests {
		words := splitWords(tt.input)
		if len(words) != tt.expected {
			t.Errorf("splitWords(%q) = %d words, want %d: %v", tt.input, len(words), tt.expected, words)
		}
	}
}

func TestTokenizer_Tokenize_WithStemming(t *testing.T) {
	tok := NewTokenizer(true)

	tokens := tok.Tokenize("running dogs are playing")
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %v", tokens)
	}
	found := false
	for _, token := range tokens {
		if token == "run" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected stemmed token 'run', got %v", tokens)
	}
}

func TestTokenizer_StemmedFeaturesShareWords(t *testing.T) {
	tok := NewTokenizer(true)

	words := func(text string) map[string]bool {
		out := make(map[string]bool)
		for _, f := range tok.Features(text) {
			if f.Weight == 1 {
				out[f.Term] = true
			}
		}
		return out
	}

	a, b := words("printer jammed"), words("paper jams")
	if !a["w:jam"] || !b["w:jam"] {
		t.Errorf("expected shared word feature w:jam, got %v and %v", a, b)
	}
}
