package lane

import "strings"

// Lane names the two processing paths.
type Lane string

const (
	LaneFast  Lane = "fast"
	LaneQueue Lane = "queue"
)

// Classifier decides which lane an inbound text takes. The grammar is
// pluggable; the daemon wires the configured command list.
type Classifier interface {
	Classify(text string) Lane
}

// PrefixClassifier fast-lanes messages whose first token matches one of a
// fixed set of commands, case-insensitively. Everything else is queue-lane.
type PrefixClassifier struct {
	commands map[string]struct{}
}

func NewPrefixClassifier(commands []string) *PrefixClassifier {
	set := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return &PrefixClassifier{commands: set}
}

func (p *PrefixClassifier) Classify(text string) Lane {
	first := text
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		first = text[:i]
	}
	first = strings.ToLower(strings.TrimSpace(first))
	if _, ok := p.commands[first]; ok {
		return LaneFast
	}
	return LaneQueue
}
