package domain

import "errors"

// Failure classes shared across layers. Integrations wrap these so the
// usecase layer can classify an error with errors.Is.
var (
	ErrStorageUnavailable        = errors.New("storage unavailable")
	ErrAgentUnavailable          = errors.New("agent unavailable")
	ErrNoDiagnosisPayload        = errors.New("no diagnosis payload")
	ErrMalformedDiagnosisPayload = errors.New("malformed diagnosis payload")
)
