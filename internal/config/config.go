package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	BackendDynamoDB  = "dynamodb"
	BackendFirestore = "firestore"
)

type Config struct {
	StoreBackend     string
	StateTable       string
	ParamPrefix      string
	GCPProjectID     string
	GCPLocationID    string
	VertexAgentID    string
	DiagnosisAgentID string
	AgentUserID      string
	SpeechLanguage   string
	SpeechSampleRate int
	LogLevel         string
	Port             int
}

func Load() Config {
	return Config{
		StoreBackend:     strings.ToLower(envStr("STORE_BACKEND", BackendDynamoDB)),
		StateTable:       envStr("STATE_TABLE", ""),
		ParamPrefix:      strings.TrimRight(envStr("PARAM_PREFIX", ""), "/"),
		GCPProjectID:     envStr("GCP_PROJECT_ID", ""),
		GCPLocationID:    envStr("GCP_LOCATION_ID", "us-central1"),
		VertexAgentID:    envStr("VERTEX_AGENT_ID", ""),
		DiagnosisAgentID: envStr("DIAGNOSIS_AGENT_ID", ""),
		AgentUserID:      envStr("AGENT_USER_ID", "default_user"),
		SpeechLanguage:   envStr("SPEECH_LANGUAGE", "ja-JP"),
		SpeechSampleRate: envInt("SPEECH_SAMPLE_RATE", 48000),
		LogLevel:         envStr("LOG_LEVEL", "info"),
		Port:             envInt("PORT", 8080),
	}
}

// Validate reports every required variable that is missing.
func (c Config) Validate() error {
	var errs []error
	for _, req := range []struct{ key, val string }{
		{"PARAM_PREFIX", c.ParamPrefix},
		{"GCP_PROJECT_ID", c.GCPProjectID},
		{"VERTEX_AGENT_ID", c.VertexAgentID},
		{"DIAGNOSIS_AGENT_ID", c.DiagnosisAgentID},
	} {
		if req.val == "" {
			errs = append(errs, fmt.Errorf("%s is required", req.key))
		}
	}
	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendFirestore:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q is not one of %s, %s", c.StoreBackend, BackendDynamoDB, BackendFirestore))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LoadDotEnv loads variables from the given files, .env when none are named.
// Variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: load dotenv: %w", err)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
