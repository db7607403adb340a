package toolcall

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	angleRe    = regexp.MustCompile(`<[^<>]+>`)
	mustacheRe = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	squareRe   = regexp.MustCompile(`^\[[^\[\]]+\]$`)
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// IsPlaceholder reports whether value looks like a stand-in rather than real
// user-supplied data, and why. field and description come from the tool schema.
func (v *Validator) IsPlaceholder(field, value, description string) (bool, string) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return true, "empty value"
	}
	lower := strings.ToLower(trimmed)

	for _, p := range v.phrases.PlaceholderValues {
		if lower == strings.ToLower(p) {
			return true, "placeholder value"
		}
	}

	if angleRe.MatchString(trimmed) || mustacheRe.MatchString(trimmed) || squareRe.MatchString(trimmed) {
		return true, "template placeholder"
	}

	for _, p := range v.phrases.PlaceholderPhrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true, "placeholder phrase"
		}
	}

	if echoesDescription(lower, description) {
		return true, "echoes the parameter description"
	}

	return v.checkField(field, trimmed)
}

// checkField applies rules keyed on the parameter name
func (v *Validator) checkField(field, value string) (bool, string) {
	tokens := fieldTokens(field)
	lower := strings.ToLower(value)

	switch {
	case tokens["email"]:
		at := strings.Index(lower, "@")
		if at <= 0 || !strings.Contains(lower[at+1:], ".") {
			return true, "not an email address"
		}
	case tokens["phone"] || tokens["mobile"] || tokens["tel"]:
		if !strings.ContainsFunc(lower, unicode.IsDigit) {
			return true, "phone number has no digits"
		}
	case tokens["date"] || tokens["dob"] || tokens["birthday"]:
		return v.checkDate(value)
	case tokens["time"]:
		if !strings.Contains(lower, ":") && !strings.ContainsFunc(lower, unicode.IsDigit) {
			return true, "not a time"
		}
	}
	return false, ""
}

func (v *Validator) checkDate(value string) (bool, string) {
	lower := strings.ToLower(value)
	if lower == "today" || lower == "tomorrow" {
		return false, ""
	}

	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			// month names are matched case-sensitively by time.Parse
			t, err = time.Parse(layout, titleWords(lower))
		}
		if err != nil {
			continue
		}
		now := v.now()
		window := v.phrases.DateWindow()
		if t.Before(now.Add(-window)) || t.After(now.Add(window)) {
			return true, "date out of reasonable range"
		}
		return false, ""
	}
	return true, "not a recognisable date"
}

// echoesDescription catches a model repeating the schema description as the value
func echoesDescription(lower, description string) bool {
	if description == "" {
		return false
	}
	val := squash(lower)
	desc := squash(strings.ToLower(description))
	if val == "" || desc == "" {
		return false
	}
	if val == desc {
		return true
	}
	const minEcho = 12
	return len(val) >= minEcho && strings.Contains(desc, val) ||
		len(desc) >= minEcho && strings.Contains(val, desc)
}

// squash keeps letters and digits separated by single spaces
func squash(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

// fieldTokens splits snake, kebab and camel case names into lower-case words
func fieldTokens(field string) map[string]bool {
	tokens := map[string]bool{}
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens[strings.ToLower(string(cur))] = true
			cur = cur[:0]
		}
	}
	for _, r := range field {
		switch {
		case r == '_' || r == '-' || r == '.' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return tokens
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
