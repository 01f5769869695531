package sessions

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	defaultTitleMaxLen = 60
	titleMaxWords      = 8

	// Titles the backend assigns before a conversation has content.
	placeholderNew      = "New chat"
	placeholderUntitled = "Untitled"
)

// Letters with optional trailing digits, e.g. "gpt4".
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"i": {}, "me": {}, "my": {}, "you": {}, "can": {}, "please": {},
}

// IsPlaceholderTitle reports whether title carries no information and may be
// replaced by a derived one.
func IsPlaceholderTitle(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	return t == "" || t == strings.ToLower(placeholderNew) || t == strings.ToLower(placeholderUntitled)
}

// DeriveTitle builds a short title-cased title from a prompt: stop words are
// dropped, at most eight words are kept, and the result is clipped to maxLen
// runes (60 when maxLen <= 0). It returns "" when nothing usable remains.
func DeriveTitle(prompt string, tag language.Tag, maxLen int) string {
	toks := titleWordRE.FindAllString(strings.ToLower(strings.TrimSpace(prompt)), -1)
	if len(toks) == 0 {
		return ""
	}
	if tag == language.Und {
		tag = language.English
	}
	caser := cases.Title(tag)

	words := make([]string, 0, titleMaxWords)
	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		words = append(words, caser.String(w))
		if len(words) == titleMaxWords {
			break
		}
	}
	if len(words) == 0 {
		return ""
	}
	return clip(strings.Join(words, " "), maxLen)
}

func clip(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = defaultTitleMaxLen
	}
	if utf8.RuneCountInString(s) > maxLen {
		return strings.TrimSpace(string([]rune(s)[:maxLen]))
	}
	return s
}
