// Package text prepares extracted page text for narration: it drops the
// reference and citation markers a reader skips, rejoins words hyphenated
// across line breaks, and normalizes punctuation the synthesis backends
// would otherwise read aloud or stumble over.
package text

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Regex patterns for text preprocessing.
const (
	urlRegexPattern         = `https?://\S+`
	emailRegexPattern       = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	hyphenBreakRegexPattern = `(\p{L})-[ \t]*\r?\n\s*(\p{L})`
	referenceRegexPattern   = `\[\d+(?:\s*[,\-–]\s*\d+)*\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	citationRegexPattern    = `\s*\([^()]*\b(?:1[5-9]|20)\d{2}[a-z]?\)`
	spaceBeforePunctPattern = `\s+([.,;:!?])`
	repeatedPunctPattern    = `([!?,;:])[!?,;:]+|\.{4,}`
)

// Patterns for preserving URLs and emails.
const (
	urlPlaceholderPattern   = `__URL_PLACEHOLDER_%d__`
	emailPlaceholderPattern = `__EMAIL_PLACEHOLDER_%d__`
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
	softHyphen   = "­"
)

// closers may follow the sentence-ending mark.
const closers = `"')]`

// Preprocessor cleans page text before it is synthesized.
type Preprocessor struct {
	urlPattern         *regexp.Regexp
	emailPattern       *regexp.Regexp
	hyphenBreakPattern *regexp.Regexp
	referencePattern   *regexp.Regexp
	citationPattern    *regexp.Regexp
	spaceBeforePunct   *regexp.Regexp
	repeatedPunct      *regexp.Regexp
	// Longer abbreviations come first: the replacer tries them in order.
	abbreviationReplacer *strings.Replacer
	punctuationReplacer  *strings.Replacer
}

// NewPreprocessor creates a preprocessor with compiled patterns and replacers.
func NewPreprocessor() *Preprocessor {
	abbreviations := []string{
		"Mrs. ", "Misses ",
		"Mr. ", "Mister ",
		"Ms. ", "Miss ",
		"Dr. ", "Doctor ",
		"Prof. ", "Professor ",
		"e.g. ", "for example ",
		"i.e. ", "that is ",
		"etc.", "et cetera",
	}

	return &Preprocessor{
		urlPattern:           regexp.MustCompile(urlRegexPattern),
		emailPattern:         regexp.MustCompile(emailRegexPattern),
		hyphenBreakPattern:   regexp.MustCompile(hyphenBreakRegexPattern),
		referencePattern:     regexp.MustCompile(referenceRegexPattern),
		citationPattern:      regexp.MustCompile(citationRegexPattern),
		spaceBeforePunct:     regexp.MustCompile(spaceBeforePunctPattern),
		repeatedPunct:        regexp.MustCompile(repeatedPunctPattern),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		punctuationReplacer: strings.NewReplacer(
			softHyphen, "",
			emDash, " - ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Prepare returns text ready for narration. It returns "" when nothing
// speakable remains.
func (p *Preprocessor) Prepare(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	prepared := norm.NFC.String(text)
	prepared = p.hyphenBreakPattern.ReplaceAllString(prepared, "$1$2")

	prepared, placeholders := p.preserveTokens(prepared)

	prepared = p.referencePattern.ReplaceAllString(prepared, "")
	prepared = p.citationPattern.ReplaceAllString(prepared, "")
	prepared = p.punctuationReplacer.Replace(prepared)
	prepared = strings.Join(strings.Fields(prepared), " ")
	prepared = p.abbreviationReplacer.Replace(prepared)
	prepared = p.spaceBeforePunct.ReplaceAllString(prepared, "$1")
	prepared = p.collapsePunctuation(prepared)

	prepared = p.restoreTokens(prepared, placeholders)

	return ensureSentenceEnding(prepared)
}

// preserveTokens replaces URLs and emails with placeholders so the cleanup
// steps leave them intact.
func (p *Preprocessor) preserveTokens(text string) (string, map[string]string) {
	placeholders := make(map[string]string)
	counter := 0

	replace := func(input string, pattern *regexp.Regexp, placeholderFormat string) string {
		return pattern.ReplaceAllStringFunc(input, func(match string) string {
			placeholder := fmt.Sprintf(placeholderFormat, counter)
			placeholders[placeholder] = match
			counter++

			return placeholder
		})
	}

	text = replace(text, p.urlPattern, urlPlaceholderPattern)
	text = replace(text, p.emailPattern, emailPlaceholderPattern)

	return text, placeholders
}

func (p *Preprocessor) restoreTokens(text string, placeholders map[string]string) string {
	for placeholder, original := range placeholders {
		text = strings.ReplaceAll(text, placeholder, original)
	}

	return text
}

// collapsePunctuation reduces runs like "?!?" to their first mark and long
// dot runs to an ellipsis.
func (p *Preprocessor) collapsePunctuation(text string) string {
	return p.repeatedPunct.ReplaceAllStringFunc(text, func(match string) string {
		if strings.HasPrefix(match, ".") {
			return ellipsis
		}

		return match[:1]
	})
}

// ensureSentenceEnding appends a period unless the text already ends a
// sentence, looking past closing quotes and brackets. Text without any
// letter or digit is dropped.
func ensureSentenceEnding(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.IndexFunc(trimmed, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return ""
	}

	body := strings.TrimRight(trimmed, closers)
	lastChar, _ := utf8.DecodeLastRuneInString(body)

	switch lastChar {
	case '.', '!', '?':
		return trimmed
	case ',', ';', ':', '-':
		return strings.TrimRight(body, ",;:- ") + "." + trimmed[len(body):]
	default:
		return trimmed + "."
	}
}
