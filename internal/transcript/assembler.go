package transcript

import (
	"strings"

	"mimitalk-agent/internal/domain"
)

// Speaker labels used for every transcript, whether it feeds the live
// dialogue or a diagnosis request.
const (
	UserLabel  = "利用者"
	AgentLabel = "カウンセラー"
)

// Lines returns the speaker-labeled lines for turns, in the order given.
// Turns without user text are dropped; the agent line of a kept turn is
// emitted even when the agent said nothing.
func Lines(turns []domain.Turn) []string {
	lines := make([]string, 0, 2*len(turns))
	for _, t := range turns {
		if t.UserText == "" {
			continue
		}
		lines = append(lines,
			UserLabel+": "+t.UserText,
			AgentLabel+": "+t.AgentText,
		)
	}
	return lines
}

// Assemble folds turns into a single newline-joined transcript. An empty
// string means the turns carry no usable history.
func Assemble(turns []domain.Turn) string {
	return strings.Join(Lines(turns), "\n")
}
