package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Phrases holds the static phrase tables and numeric thresholds used by
// end-of-conversation detection and placeholder detection.
type Phrases struct {
	// StrongEndings match anywhere in a message no longer than MaxStrongMatchLength
	StrongEndings []string `yaml:"strong_endings"`

	// WeakEndings match only when they are the whole message
	WeakEndings []string `yaml:"weak_endings"`

	// EscalationTriggers flag a request for a human agent
	EscalationTriggers []string `yaml:"escalation_triggers"`

	// PlaceholderValues are rejected when an argument equals one of them
	PlaceholderValues []string `yaml:"placeholder_values"`

	// PlaceholderPhrases are rejected when an argument contains one of them
	PlaceholderPhrases []string `yaml:"placeholder_phrases"`

	MaxStrongMatchLength int `yaml:"max_strong_match_length"`
	ContextMaxMessages   int `yaml:"context_max_messages"`

	// DateWindowYears bounds accepted dates to now ± this many years
	DateWindowYears int `yaml:"date_window_years"`

	FarewellReply string `yaml:"farewell_reply"`
}

// DefaultPhrases returns the built-in phrase tables
func DefaultPhrases() Phrases {
	return Phrases{
		StrongEndings: []string{
			"goodbye", "good bye", "bye", "bye bye", "see you", "see ya", "talk later",
			"talk to you later", "that's all i need", "that's all for now", "that is all for now",
			"that will be all", "no more questions", "nothing else", "i'm done", "i am done",
			"have a good day", "have a nice day", "end chat", "end conversation",
		},
		// "that's all" alone ends a chat, but not as the lead-in of "that's all, thanks"
		WeakEndings: []string{
			"thanks", "thank you", "thx", "ty", "thank you so much", "thanks a lot",
			"many thanks", "cheers", "appreciate it", "that's all", "that is all",
		},
		EscalationTriggers: []string{
			"speak to a human", "talk to a human", "real person", "human agent",
			"speak to an agent", "customer service representative", "manager",
		},
		PlaceholderValues: []string{
			"placeholder", "todo", "tbd", "tba", "unknown", "pending", "n/a", "na", "none",
			"null", "nil", "undefined", "example", "sample", "xxx", "...", "?", "string",
			"value", "your name", "your email", "john doe", "jane doe", "test@example.com",
			"user@example.com", "email@example.com",
		},
		PlaceholderPhrases: []string{
			"not given", "not provided", "not specified", "not available", "not known",
			"will provide", "to be provided", "to be determined", "to be confirmed",
			"user did not", "customer did not", "insert ", "enter your", "fill in",
		},
		MaxStrongMatchLength: 100,
		ContextMaxMessages:   20,
		DateWindowYears:      2,
		FarewellReply:        "Thank you for reaching out. Have a great day!",
	}
}

// DateWindow returns the accepted distance from now for date arguments
func (p Phrases) DateWindow() time.Duration {
	years := p.DateWindowYears
	if years <= 0 {
		years = 2
	}
	return time.Duration(years) * 365 * 24 * time.Hour
}

// LoadPhrases returns the defaults merged with the YAML file at path.
// An empty path returns the defaults. Lists in the file replace the defaults;
// zero numbers keep them.
func LoadPhrases(path string) (Phrases, error) {
	phrases := DefaultPhrases()
	if path == "" {
		return phrases, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return phrases, fmt.Errorf("failed to read phrases file: %w", err)
	}

	var override Phrases
	if err := yaml.Unmarshal(data, &override); err != nil {
		return phrases, fmt.Errorf("failed to parse phrases file %s: %w", path, err)
	}

	phrases.merge(override)
	return phrases, nil
}

func (p *Phrases) merge(o Phrases) {
	if len(o.StrongEndings) > 0 {
		p.StrongEndings = o.StrongEndings
	}
	if len(o.WeakEndings) > 0 {
		p.WeakEndings = o.WeakEndings
	}
	if len(o.EscalationTriggers) > 0 {
		p.EscalationTriggers = o.EscalationTriggers
	}
	if len(o.PlaceholderValues) > 0 {
		p.PlaceholderValues = o.PlaceholderValues
	}
	if len(o.PlaceholderPhrases) > 0 {
		p.PlaceholderPhrases = o.PlaceholderPhrases
	}
	if o.MaxStrongMatchLength > 0 {
		p.MaxStrongMatchLength = o.MaxStrongMatchLength
	}
	if o.ContextMaxMessages > 0 {
		p.ContextMaxMessages = o.ContextMaxMessages
	}
	if o.DateWindowYears > 0 {
		p.DateWindowYears = o.DateWindowYears
	}
	if strings.TrimSpace(o.FarewellReply) != "" {
		p.FarewellReply = o.FarewellReply
	}
}
