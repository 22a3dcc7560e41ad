package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PromptChanged bool
	NewPrompt     string

	// PrewarmChanged is set when the phrase list differs. AddedPhrases lists
	// the phrases that were not present before, in their new order.
	PrewarmChanged bool
	AddedPhrases   []string
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PromptChanged || d.PrewarmChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Conversation.SystemPrompt != new.Conversation.SystemPrompt {
		d.PromptChanged = true
		d.NewPrompt = new.Conversation.SystemPrompt
	}

	if !slices.Equal(old.Prewarm.Phrases, new.Prewarm.Phrases) {
		d.PrewarmChanged = true
		for _, p := range new.Prewarm.Phrases {
			if !slices.Contains(old.Prewarm.Phrases, p) {
				d.AddedPhrases = append(d.AddedPhrases, p)
			}
		}
	}

	return d
}
