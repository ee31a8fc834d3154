package text_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/book-expert/voice-service/internal/tts/text"
)

func TestPreprocessor_Prepare(t *testing.T) {
	t.Parallel()

	preprocessor := text.NewPreprocessor()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "blank", input: " \n\t ", expected: ""},
		{name: "only markers", input: "[12] ¹²", expected: ""},
		{name: "adds sentence ending", input: "Hello world", expected: "Hello world."},
		{name: "keeps question", input: "Is it late?", expected: "Is it late?"},
		{name: "collapses whitespace", input: "One\n\ntwo\tthree.", expected: "One two three."},
		{name: "rejoins hyphenated line break", input: "The king-\ndom fell.", expected: "The kingdom fell."},
		{name: "keeps inline hyphen", input: "A well-known tale.", expected: "A well-known tale."},
		{name: "drops reference markers", input: "As shown [3], the sky[4-6] is blue²³.", expected: "As shown, the sky is blue."},
		{name: "drops citations", input: "Birds fly (Smith et al., 2019).", expected: "Birds fly."},
		{name: "keeps non-citation parentheses", input: "Add salt (a pinch).", expected: "Add salt (a pinch)."},
		{name: "expands honorifics", input: "Mrs. Hudson met Mr. Holmes and Dr. Watson.", expected: "Misses Hudson met Mister Holmes and Doctor Watson."},
		{name: "expands latin abbreviations", input: "Fruit, e.g. apples, etc.", expected: "Fruit, for example apples, et cetera."},
		{name: "normalizes quotes and dashes", input: "“Wait”—she said… ‘now’.", expected: `"Wait" - she said... 'now'.`},
		{name: "collapses repeated punctuation", input: "Really?!? Yes!!!", expected: "Really? Yes!"},
		{name: "shortens long dot runs", input: "And then.....", expected: "And then..."},
		{name: "ends inside closing quote", input: `He said "go,"`, expected: `He said "go."`},
		{name: "trailing comma", input: "First, second,", expected: "First, second."},
		{name: "preserves urls", input: "See https://example.com/a--b [1]", expected: "See https://example.com/a--b."},
		{name: "preserves emails", input: "Write to dr.who@example.org", expected: "Write to dr.who@example.org."},
		{name: "composes decomposed accents", input: "cafe\u0301 au lait", expected: "caf\u00e9 au lait."},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, preprocessor.Prepare(testCase.input))
		})
	}
}
