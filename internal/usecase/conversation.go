package usecase

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mimitalk-agent/internal/diagnosis"
	"mimitalk-agent/internal/domain"
	"mimitalk-agent/internal/transcript"
)

const (
	// FallbackReply is spoken back when nothing intelligible was heard.
	FallbackReply = "すみません、よく聞き取れませんでした。もう一度お話しいただけますか？"
	// NoHistoryDiagnosis is the narrative result for a session with no usable turns.
	NoHistoryDiagnosis = "診断に必要な会話履歴がありませんでした。"

	agentDialogue  = "dialogue"
	agentDiagnosis = "diagnosis"
)

type TurnStore interface {
	AppendTurn(ctx context.Context, turn domain.Turn) error
	ListTurns(ctx context.Context, sessionID string) iter.Seq2[domain.Turn, error]
}

type AgentGateway interface {
	Query(ctx context.Context, agentID, sessionToken, message string) (string, error)
	CreateSession(ctx context.Context, agentID string) (string, error)
}

// Observer receives pipeline events. Implementations must be safe for
// concurrent use.
type Observer interface {
	TurnRecorded(fallback bool)
	AgentQueried(agent string, elapsed time.Duration, err error)
	DiagnosisCompleted(mode domain.DiagnosisMode, degraded bool)
}

type nopObserver struct{}

func (nopObserver) TurnRecorded(bool)                             {}
func (nopObserver) AgentQueried(string, time.Duration, error)     {}
func (nopObserver) DiagnosisCompleted(domain.DiagnosisMode, bool) {}

// Config names the agents the service talks to. DialogueSessionToken may
// carry an existing dialogue session; when empty one is created on first use.
type Config struct {
	DialogueAgentID      string
	DiagnosisAgentID     string
	DialogueSessionToken string
}

type ConversationService struct {
	store            TurnStore
	agent            AgentGateway
	dialogueAgentID  string
	diagnosisAgentID string
	extractors       map[domain.DiagnosisMode]diagnosis.Extractor
	observer         Observer
	clock            *monotonicClock

	sessionMu    sync.RWMutex
	sessionToken string
}

type Option func(*ConversationService)

func WithObserver(o Observer) Option {
	return func(s *ConversationService) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithExtractor replaces the reply parser used for mode.
func WithExtractor(mode domain.DiagnosisMode, e diagnosis.Extractor) Option {
	return func(s *ConversationService) {
		if e != nil {
			s.extractors[mode] = e
		}
	}
}

// WithClock sets the wall clock turns are stamped from.
func WithClock(now func() time.Time) Option {
	return func(s *ConversationService) {
		if now != nil {
			s.clock.now = now
		}
	}
}

func NewConversationService(store TurnStore, agent AgentGateway, cfg Config, opts ...Option) (*ConversationService, error) {
	if store == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if agent == nil {
		return nil, errors.New("usecase: agent gateway must not be nil")
	}
	dialogueID := strings.TrimSpace(cfg.DialogueAgentID)
	if dialogueID == "" {
		return nil, errors.New("usecase: dialogue agent ID must not be empty")
	}
	diagnosisID := strings.TrimSpace(cfg.DiagnosisAgentID)
	if diagnosisID == "" {
		return nil, errors.New("usecase: diagnosis agent ID must not be empty")
	}
	s := &ConversationService{
		store:            store,
		agent:            agent,
		dialogueAgentID:  dialogueID,
		diagnosisAgentID: diagnosisID,
		extractors: map[domain.DiagnosisMode]diagnosis.Extractor{
			domain.DiagnosisQuantitative: diagnosis.Greedy{},
			domain.DiagnosisNarrative:    diagnosis.Narrative{},
		},
		observer:     nopObserver{},
		clock:        &monotonicClock{now: time.Now},
		sessionToken: strings.TrimSpace(cfg.DialogueSessionToken),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleUtterance answers one user utterance and logs the exchange. The
// transcript is sent and stored as recognized. A blank utterance gets
// FallbackReply without consulting the agent; the turn is still logged with
// empty user text so it never reaches a transcript.
func (s *ConversationService) HandleUtterance(ctx context.Context, sessionID, userText string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", newError(ErrorInvalidInput, "empty_session_id", nil)
	}

	agentText := FallbackReply
	fallback := strings.TrimSpace(userText) == ""
	if fallback {
		userText = ""
	} else {
		token, err := s.dialogueSession(ctx)
		if err != nil {
			return "", classify("agent_session_error", err)
		}
		agentText, err = s.query(ctx, agentDialogue, s.dialogueAgentID, token, userText)
		if err != nil {
			return "", classify("dialogue_agent_error", err)
		}
	}

	turn := domain.Turn{
		SessionID: sessionID,
		UserText:  userText,
		AgentText: agentText,
		Timestamp: s.clock.Now(),
	}
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		return "", classify("store_append_error", err)
	}
	s.observer.TurnRecorded(fallback)
	return agentText, nil
}

// HandleDiagnosisRequest reviews the whole logged session. A quantitative
// request never fails after validation: any failure is reported inside a
// zero-valued result carrying Error. Narrative failures are returned.
func (s *ConversationService) HandleDiagnosisRequest(ctx context.Context, sessionID string, mode domain.DiagnosisMode) (domain.DiagnosisResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.DiagnosisResult{}, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	if !mode.Valid() {
		return domain.DiagnosisResult{}, newError(ErrorInvalidInput, "unknown_diagnosis_mode", nil)
	}

	result, err := s.diagnose(ctx, sessionID, mode)
	if err != nil {
		if mode != domain.DiagnosisQuantitative {
			return domain.DiagnosisResult{}, err
		}
		slog.WarnContext(ctx, "diagnosis degraded", "session_id", sessionID, "err", err)
		s.observer.DiagnosisCompleted(mode, true)
		return domain.DiagnosisResult{Mode: mode, Error: err.Error()}, nil
	}
	s.observer.DiagnosisCompleted(mode, false)
	return result, nil
}

func (s *ConversationService) diagnose(ctx context.Context, sessionID string, mode domain.DiagnosisMode) (domain.DiagnosisResult, error) {
	turns, err := collectTurns(s.store.ListTurns(ctx, sessionID))
	if err != nil {
		return domain.DiagnosisResult{}, classify("store_list_error", err)
	}
	text := transcript.Assemble(turns)
	if text == "" {
		return noHistoryResult(mode), nil
	}

	reply, err := s.query(ctx, agentDiagnosis, s.diagnosisAgentID, "", text)
	if err != nil {
		return domain.DiagnosisResult{}, classify("diagnosis_agent_error", err)
	}
	result, err := s.extractors[mode].Extract(reply)
	if err != nil {
		return domain.DiagnosisResult{}, classify("diagnosis_extract_error", err)
	}
	result.Mode = mode
	return result, nil
}

func noHistoryResult(mode domain.DiagnosisMode) domain.DiagnosisResult {
	if mode == domain.DiagnosisNarrative {
		return domain.DiagnosisResult{Mode: mode, DiagnosisText: NoHistoryDiagnosis}
	}
	return domain.DiagnosisResult{Mode: mode}
}

func (s *ConversationService) query(ctx context.Context, agent, agentID, token, message string) (string, error) {
	start := time.Now()
	reply, err := s.agent.Query(ctx, agentID, token, message)
	s.observer.AgentQueried(agent, time.Since(start), err)
	return reply, err
}

// dialogueSession returns the service-owned dialogue session token, creating
// it on first use. A failed creation is retried by the next caller.
func (s *ConversationService) dialogueSession(ctx context.Context) (string, error) {
	s.sessionMu.RLock()
	if s.sessionToken != "" {
		token := s.sessionToken
		s.sessionMu.RUnlock()
		return token, nil
	}
	s.sessionMu.RUnlock()

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.sessionToken != "" {
		return s.sessionToken, nil
	}

	token, err := s.agent.CreateSession(ctx, s.dialogueAgentID)
	if err != nil {
		return "", err
	}
	s.sessionToken = token
	slog.InfoContext(ctx, "dialogue session created", "agent_id", s.dialogueAgentID)
	return token, nil
}

func collectTurns(seq iter.Seq2[domain.Turn, error]) ([]domain.Turn, error) {
	var turns []domain.Turn
	for turn, err := range seq {
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// monotonicClock hands out strictly increasing UTC instants at microsecond
// resolution, the coarsest precision among the stores.
type monotonicClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
