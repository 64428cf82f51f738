package diagnosis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"mimitalk-agent/internal/domain"
)

// Extractor turns a raw diagnosis-agent reply into a result.
type Extractor interface {
	Extract(reply string) (domain.DiagnosisResult, error)
}

// Greedy extracts the quantitative form using ExtractStructured.
type Greedy struct{}

func (Greedy) Extract(reply string) (domain.DiagnosisResult, error) {
	return ExtractStructured(reply)
}

// Narrative passes the reply through as free text.
type Narrative struct{}

func (Narrative) Extract(reply string) (domain.DiagnosisResult, error) {
	return ExtractNarrative(reply), nil
}

// payloadPattern spans from the first '{' to the last '}' in the reply,
// newlines included. Replies with several objects over-capture and then fail
// to decode.
var payloadPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractStructured reads risk and confidence from the JSON object embedded in
// reply. Missing or non-numeric values default to 0 and unknown keys are
// ignored, but an object that does not decode is an error.
func ExtractStructured(reply string) (domain.DiagnosisResult, error) {
	match := payloadPattern.FindString(reply)
	if match == "" {
		return domain.DiagnosisResult{}, fmt.Errorf("diagnosis: %w: no JSON object in agent reply", domain.ErrNoDiagnosisPayload)
	}

	payload, err := decodeObject(match)
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("diagnosis: %w: %w", domain.ErrMalformedDiagnosisPayload, err)
	}

	return domain.DiagnosisResult{
		Mode:       domain.DiagnosisQuantitative,
		Risk:       coerceInt(payload["risk"]),
		Confidence: coerceInt(payload["confidence"]),
	}, nil
}

// ExtractNarrative returns reply unchanged as the diagnosis text. An empty
// reply means the agent produced nothing.
func ExtractNarrative(reply string) domain.DiagnosisResult {
	return domain.DiagnosisResult{
		Mode:          domain.DiagnosisNarrative,
		DiagnosisText: reply,
	}
}

func decodeObject(raw string) (map[string]any, error) {
	var out map[string]any
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("decode payload: multiple JSON values")
		}
		return nil, fmt.Errorf("decode payload trailing data: %w", err)
	}
	return out, nil
}

// coerceInt converts a decoded JSON value to int. Fractional numbers are
// truncated toward zero; anything that is not a number, numeric string or
// bool yields 0.
func coerceInt(v any) int {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n)
		}
		f, err := x.Float64()
		if err != nil {
			return 0
		}
		return truncate(f)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0
		}
		return n
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func truncate(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0
	}
	return int(math.Trunc(f))
}
