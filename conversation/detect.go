package conversation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ghiac/agentdesk/config"
)

// normalize lower-cases, trims and folds typographic apostrophes
func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return strings.NewReplacer("’", "'", "‘", "'").Replace(text)
}

// DetectConversationEnd reports whether a user message signals the end of the
// conversation.
//
// Strong phrases match anywhere, on word boundaries, in messages no longer than
// MaxStrongMatchLength. Weak phrases match only the whole message, optionally
// followed by one punctuation mark, so "that's all, thanks" does not end the
// conversation while "thanks!" does.
func DetectConversationEnd(text string, phrases config.Phrases) bool {
	msg := normalize(text)
	if msg == "" {
		return false
	}

	if matchesWeak(msg, phrases.WeakEndings) {
		return true
	}

	maxLen := phrases.MaxStrongMatchLength
	if maxLen <= 0 {
		maxLen = config.DefaultPhrases().MaxStrongMatchLength
	}
	if utf8.RuneCountInString(msg) > maxLen {
		return false
	}
	return containsAnyPhrase(msg, phrases.StrongEndings)
}

// DetectEscalation reports whether a user message asks for a human agent
func DetectEscalation(text string, phrases config.Phrases) bool {
	msg := normalize(text)
	if msg == "" {
		return false
	}
	return containsAnyPhrase(msg, phrases.EscalationTriggers)
}

func matchesWeak(msg string, weak []string) bool {
	trimmed := msg
	if last, size := utf8.DecodeLastRuneInString(msg); strings.ContainsRune(".!?,", last) {
		trimmed = strings.TrimSpace(msg[:len(msg)-size])
	}
	for _, p := range weak {
		p = normalize(p)
		if p != "" && (msg == p || trimmed == p) {
			return true
		}
	}
	return false
}

func containsAnyPhrase(msg string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(msg, normalize(p)) {
			return true
		}
	}
	return false
}

// containsPhrase finds phrase in msg where it is not glued to surrounding letters or digits
func containsPhrase(msg, phrase string) bool {
	if phrase == "" {
		return false
	}
	for offset := 0; offset <= len(msg)-len(phrase); {
		i := strings.Index(msg[offset:], phrase)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(phrase)
		if isBoundary(msg, start, true) && isBoundary(msg, end, false) {
			return true
		}
		_, size := utf8.DecodeRuneInString(msg[start:])
		offset = start + size
	}
	return false
}

func isBoundary(s string, pos int, before bool) bool {
	var r rune
	if before {
		if pos == 0 {
			return true
		}
		r, _ = utf8.DecodeLastRuneInString(s[:pos])
	} else {
		if pos >= len(s) {
			return true
		}
		r, _ = utf8.DecodeRuneInString(s[pos:])
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
