package domain

import "time"

// Turn is a single persisted user utterance and the agent reply to it.
type Turn struct {
	SessionID string
	UserText  string
	AgentText string
	Timestamp time.Time
}

// DiagnosisMode selects the shape of a diagnosis result.
type DiagnosisMode string

const (
	DiagnosisQuantitative DiagnosisMode = "quantitative"
	DiagnosisNarrative    DiagnosisMode = "narrative"
)

// Valid reports whether m is a known mode.
func (m DiagnosisMode) Valid() bool {
	return m == DiagnosisQuantitative || m == DiagnosisNarrative
}

// DiagnosisResult is derived fresh from a transcript on every request and is
// never persisted. Risk and Confidence are set for the quantitative mode;
// DiagnosisText for the narrative mode. Error carries the failure detail of a
// degraded quantitative result.
type DiagnosisResult struct {
	Mode          DiagnosisMode
	Risk          int
	Confidence    int
	DiagnosisText string
	Error         string
}

// Degraded reports whether the result stands in for a failed diagnosis.
func (r DiagnosisResult) Degraded() bool {
	return r.Error != ""
}
