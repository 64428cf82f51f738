package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"mimitalk-agent/internal/domain"
)

type mockStore struct {
	mu        sync.Mutex
	turns     []domain.Turn
	appendErr error
	listErr   error
	listCalls int
}

func (m *mockStore) AppendTurn(_ context.Context, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.turns = append(m.turns, turn)
	return nil
}

func (m *mockStore) ListTurns(_ context.Context, sessionID string) iter.Seq2[domain.Turn, error] {
	m.mu.Lock()
	m.listCalls++
	m.mu.Unlock()
	return func(yield func(domain.Turn, error) bool) {
		if m.listErr != nil {
			yield(domain.Turn{}, m.listErr)
			return
		}
		m.mu.Lock()
		snapshot := append([]domain.Turn(nil), m.turns...)
		m.mu.Unlock()
		for _, t := range snapshot {
			if t.SessionID != sessionID {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

type queryCall struct {
	agentID string
	token   string
	message string
}

type mockAgent struct {
	mu           sync.Mutex
	reply        string
	err          error
	sessionToken string
	sessionErrs  []error
	queries      []queryCall
	sessionCalls int
}

func (m *mockAgent) Query(_ context.Context, agentID, sessionToken, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, queryCall{agentID: agentID, token: sessionToken, message: message})
	return m.reply, m.err
}

func (m *mockAgent) CreateSession(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionCalls++
	if len(m.sessionErrs) > 0 {
		err := m.sessionErrs[0]
		m.sessionErrs = m.sessionErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return m.sessionToken, nil
}

type recordingObserver struct {
	mu        sync.Mutex
	turns     []bool
	queries   []string
	diagnoses []bool
}

func (o *recordingObserver) TurnRecorded(fallback bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns = append(o.turns, fallback)
}

func (o *recordingObserver) AgentQueried(agent string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queries = append(o.queries, agent)
}

func (o *recordingObserver) DiagnosisCompleted(_ domain.DiagnosisMode, degraded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.diagnoses = append(o.diagnoses, degraded)
}

var testConfig = Config{
	DialogueAgentID:  "dialogue-agent",
	DiagnosisAgentID: "diagnosis-agent",
}

func newTestService(t *testing.T, store TurnStore, agent AgentGateway, opts ...Option) *ConversationService {
	t.Helper()
	svc, err := NewConversationService(store, agent, testConfig, opts...)
	require.NoError(t, err)
	return svc
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
}

func turn(session, user, agent string) domain.Turn {
	return domain.Turn{SessionID: session, UserText: user, AgentText: agent, Timestamp: time.Now()}
}

// ---------------------------------------------------------------------------
// NewConversationService
// ---------------------------------------------------------------------------

func TestNewConversationService_Validates(t *testing.T) {
	_, err := NewConversationService(nil, &mockAgent{}, testConfig)
	require.ErrorContains(t, err, "turn store must not be nil")

	_, err = NewConversationService(&mockStore{}, nil, testConfig)
	require.ErrorContains(t, err, "agent gateway must not be nil")

	_, err = NewConversationService(&mockStore{}, &mockAgent{}, Config{DiagnosisAgentID: "d"})
	require.ErrorContains(t, err, "dialogue agent ID")

	_, err = NewConversationService(&mockStore{}, &mockAgent{}, Config{DialogueAgentID: "a", DiagnosisAgentID: " "})
	require.ErrorContains(t, err, "diagnosis agent ID")
}

// ---------------------------------------------------------------------------
// HandleUtterance
// ---------------------------------------------------------------------------

func TestHandleUtterance_HappyPath(t *testing.T) {
	store := &mockStore{}
	agent := &mockAgent{reply: "こんにちは！", sessionToken: "agent-sess"}
	obs := &recordingObserver{}
	svc := newTestService(t, store, agent, WithObserver(obs))

	reply, err := svc.HandleUtterance(context.Background(), "s1", "こんにちは")
	require.NoError(t, err)
	require.Equal(t, "こんにちは！", reply)

	require.Len(t, agent.queries, 1)
	require.Equal(t, queryCall{agentID: "dialogue-agent", token: "agent-sess", message: "こんにちは"}, agent.queries[0])

	require.Len(t, store.turns, 1)
	require.Equal(t, "s1", store.turns[0].SessionID)
	require.Equal(t, "こんにちは", store.turns[0].UserText)
	require.Equal(t, "こんにちは！", store.turns[0].AgentText)
	require.False(t, store.turns[0].Timestamp.IsZero())

	require.Equal(t, []bool{false}, obs.turns)
	require.Equal(t, []string{agentDialogue}, obs.queries)
}

func TestHandleUtterance_EmptyUtterance(t *testing.T) {
	for _, text := range []string{"", "   "} {
		store := &mockStore{}
		agent := &mockAgent{reply: "unused", sessionToken: "agent-sess"}
		obs := &recordingObserver{}
		svc := newTestService(t, store, agent, WithObserver(obs))

		reply, err := svc.HandleUtterance(context.Background(), "s1", text)
		require.NoError(t, err)
		require.Equal(t, FallbackReply, reply)
		require.Empty(t, agent.queries, "agent must not be called for an empty utterance")
		require.Zero(t, agent.sessionCalls)

		require.Len(t, store.turns, 1)
		require.Empty(t, store.turns[0].UserText)
		require.Equal(t, FallbackReply, store.turns[0].AgentText)
		require.Equal(t, []bool{true}, obs.turns)
	}
}

func TestHandleUtterance_StoresTranscriptAsRecognized(t *testing.T) {
	store := &mockStore{}
	agent := &mockAgent{reply: "はい", sessionToken: "agent-sess"}
	svc := newTestService(t, store, agent)

	_, err := svc.HandleUtterance(context.Background(), " s1 ", " hello\n")
	require.NoError(t, err)

	require.Len(t, agent.queries, 1)
	require.Equal(t, " hello\n", agent.queries[0].message)
	require.Len(t, store.turns, 1)
	require.Equal(t, "s1", store.turns[0].SessionID)
	require.Equal(t, " hello\n", store.turns[0].UserText)
}

func TestHandleUtterance_EmptySessionID(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, store, &mockAgent{})
	_, err := svc.HandleUtterance(context.Background(), " ", "hello")
	requireCode(t, err, ErrorInvalidInput)
	require.Empty(t, store.turns)
}

func TestHandleUtterance_SessionCreatedOnce(t *testing.T) {
	agent := &mockAgent{reply: "ok", sessionToken: "agent-sess"}
	svc := newTestService(t, &mockStore{}, agent)

	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.HandleUtterance(context.Background(), fmt.Sprintf("s%d", i), "hello")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, agent.sessionCalls)
	for _, q := range agent.queries {
		require.Equal(t, "agent-sess", q.token)
	}
}

func TestHandleUtterance_PresetSessionToken(t *testing.T) {
	agent := &mockAgent{reply: "ok"}
	cfg := testConfig
	cfg.DialogueSessionToken = "preset"
	svc, err := NewConversationService(&mockStore{}, agent, cfg)
	require.NoError(t, err)

	_, err = svc.HandleUtterance(context.Background(), "s1", "hello")
	require.NoError(t, err)
	require.Zero(t, agent.sessionCalls)
	require.Equal(t, "preset", agent.queries[0].token)
}

func TestHandleUtterance_SessionCreationRetried(t *testing.T) {
	agent := &mockAgent{
		reply:        "ok",
		sessionToken: "agent-sess",
		sessionErrs:  []error{fmt.Errorf("create session: %w", domain.ErrAgentUnavailable)},
	}
	store := &mockStore{}
	svc := newTestService(t, store, agent)

	_, err := svc.HandleUtterance(context.Background(), "s1", "hello")
	requireCode(t, err, ErrorAgentUnavailable)
	require.Empty(t, store.turns, "no turn is logged when the agent cannot answer")

	reply, err := svc.HandleUtterance(context.Background(), "s1", "hello")
	require.NoError(t, err)
	require.Equal(t, "ok", reply)
	require.Equal(t, 2, agent.sessionCalls)
}

func TestHandleUtterance_AgentFailure(t *testing.T) {
	store := &mockStore{}
	agent := &mockAgent{sessionToken: "t", err: fmt.Errorf("stream query: %w: boom", domain.ErrAgentUnavailable)}
	svc := newTestService(t, store, agent)

	_, err := svc.HandleUtterance(context.Background(), "s1", "hello")
	requireCode(t, err, ErrorAgentUnavailable)
	require.ErrorIs(t, err, domain.ErrAgentUnavailable)
	require.Empty(t, store.turns)
}

func TestHandleUtterance_AgentRateLimited(t *testing.T) {
	quotaErr := status.Error(codes.ResourceExhausted, "quota exceeded")
	agent := &mockAgent{sessionToken: "t", err: fmt.Errorf("%w: %w", domain.ErrAgentUnavailable, quotaErr)}
	svc := newTestService(t, &mockStore{}, agent)

	_, err := svc.HandleUtterance(context.Background(), "s1", "hello")
	requireCode(t, err, ErrorRateLimited)
}

func TestHandleUtterance_StorageFailure(t *testing.T) {
	store := &mockStore{appendErr: fmt.Errorf("put item: %w", domain.ErrStorageUnavailable)}
	svc := newTestService(t, store, &mockAgent{reply: "ok", sessionToken: "t"})

	_, err := svc.HandleUtterance(context.Background(), "s1", "hello")
	requireCode(t, err, ErrorStorageUnavailable)
}

func TestHandleUtterance_UnclassifiedStoreError(t *testing.T) {
	store := &mockStore{appendErr: errors.New("unexpected")}
	svc := newTestService(t, store, &mockAgent{reply: "ok", sessionToken: "t"})

	_, err := svc.HandleUtterance(context.Background(), "s1", "hello")
	requireCode(t, err, ErrorInternal)
}

func TestHandleUtterance_TimestampsStrictlyIncrease(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 9, 0, 0, 123456789, time.UTC)
	store := &mockStore{}
	svc := newTestService(t, store, &mockAgent{reply: "ok", sessionToken: "t"},
		WithClock(func() time.Time { return fixed }))

	for i := 0; i < 3; i++ {
		_, err := svc.HandleUtterance(context.Background(), "s1", "hello")
		require.NoError(t, err)
	}
	require.Len(t, store.turns, 3)
	require.True(t, fixed.Truncate(time.Microsecond).Equal(store.turns[0].Timestamp))
	for i := 1; i < len(store.turns); i++ {
		require.True(t, store.turns[i].Timestamp.After(store.turns[i-1].Timestamp))
	}
}

// ---------------------------------------------------------------------------
// HandleDiagnosisRequest
// ---------------------------------------------------------------------------

func TestHandleDiagnosisRequest_QuantitativeSingleTurn(t *testing.T) {
	store := &mockStore{turns: []domain.Turn{turn("s1", "hello", "hi")}}
	agent := &mockAgent{reply: `Result: {"risk": 2, "confidence": 80}`}
	obs := &recordingObserver{}
	svc := newTestService(t, store, agent, WithObserver(obs))

	res, err := svc.HandleDiagnosisRequest(context.Background(), "s1", domain.DiagnosisQuantitative)
	require.NoError(t, err)
	require.Equal(t, domain.DiagnosisResult{Mode: domain.DiagnosisQuantitative, Risk: 2, Confidence: 80}, res)

	require.Len(t, agent.queries, 1)
	require.Equal(t, "diagnosis-agent", agent.queries[0].agentID)
	require.Empty(t, agent.queries[0].token, "diagnosis calls are stateless")
	require.Equal(t, "利用者: hello\nカウンセラー: hi", agent.queries[0].message)
	require.Equal(t, []bool{false}, obs.diagnoses)
}

func TestHandleDiagnosisRequest_SkipsEmptyUserTurns(t *testing.T) {
	store := &mockStore{turns: []domain.Turn{
		turn("s1", "", FallbackReply),
		turn("s1", "a", "b"),
		turn("other", "x", "y"),
	}}
	agent := &mockAgent{reply: `{"risk":0,"confidence":10}`}
	svc := newTestService(t, store, agent)

	_, err := svc.HandleDiagnosisRequest(context.Background(), "s1", domain.DiagnosisQuantitative)
	require.NoError(t, err)
	require.Equal(t, "利用者: a\nカウンセラー: b", agent.queries[0].message)
}

func TestHandleDiagnosisRequest_EmptySessionShortCircuits(t *testing.T) {
	cases := []struct {
		name  string
		turns []domain.Turn
	}{
		{name: "no turns", turns: nil},
		{name: "only empty utterances", turns: []domain.Turn{turn("s1", "", FallbackReply), turn("s1", "", FallbackReply)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agent := &mockAgent{reply: `{"risk":9}`}
			svc := newTestService(t, &mockStore{turns: tc.turns}, agent)

			res, err := svc.HandleDiagnosisRequest(context.Background(), "s1", domain.DiagnosisQuantitative)
			require.NoError(t, err)
			require.Equal(t, domain.DiagnosisResult{Mode: domain.DiagnosisQuantitative}, res)

			res, err = svc.HandleDiagnosisRequest(context.Background(), "s1", domain.DiagnosisNarrative)
			require.NoError(t, err)
			require.Equal(t, NoHistoryDiagnosis, res.DiagnosisText)

			require.Empty(t, agent.queries, "agent must not be called without history")
		})
	}
}

func TestHandleDiagnosisRequest_QuantitativeDegrades(t *testing.T) {
	cases := []struct {
		name    string
		store   *mockStore
		agent   *mockAgent
		wantErr string
	}{
		{
			name:    "store failure",
			store:   &mockStore{listErr: fmt.Errorf("query: %w", domain.ErrStorageUnavailable)},
			agent:   &mockAgent{},
			wantErr: "STORAGE_UNAVAILABLE",
		},
		{
			name:    "agent failure",
			store:   &mockStore{turns: []domain.Turn{turn("s1", "hello", "hi")}},
			agent:   &mockAgent{err: fmt.Errorf("%w: 503", domain.ErrAgentUnavailable)},
			wantErr: "AGENT_UNAVAILABLE",
		},
		{
			name:    "no payload",
			store:   &mockStore{turns: []domain.Turn{turn("s1", "hello", "hi")}},
			agent:   &mockAgent{reply: "I cannot decide."},
			wantErr: "NO_DIAGNOSIS_PAYLOAD",
		},
		{
			name:    "malformed payload",
			store:   &mockStore{turns: []domain.Turn{turn("s1", "hello", "hi")}},
			agent:   &mockAgent{reply: `{"risk": 1} and {"confidence": 2}`},
			wantErr: "MALFORMED_DIAGNOSIS_PAYLOAD",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := &recordingObserver{}
			svc := newTestService(t, tc.store, tc.agent, WithObserver(obs))

			res, err := svc.HandleDiagnosisRequest(context.Background(), "s1", domain.DiagnosisQuantitative)
			require.NoError(t, err)
			require.True(t, res.Degraded())
			require.Zero(t, res.Risk)
			require.Zero(t, res.Confidence)
			require.Contains(t, res.Error, tc.wantErr)
			require.Equal(t, []bool{true}, obs.diagnoses)
		})
	}
}

func TestHandleDiagnosisRequest_Narrative(t *testing.T) {
	store := &mockStore{turns: []domain.Turn{turn("s1", "hello", "hi"), turn("s1", "bye", "see you")}}
	agent := &mockAgent{reply: "総合所見: 特記事項なし"}
	svc := newTestService(t, store, agent)

	res, err := svc.HandleDiagnosisRequest(context.Background(), "s1", domain.DiagnosisNarrative)
	require.NoError(t, err)
	require.Equal(t, domain.DiagnosisNarrative, res.Mode)
	require.Equal(t, "総合所見: 特記事項なし", res.DiagnosisText)
	require.Equal(t, "利用者: hello\nカウンセラー: hi\n利用者: bye\nカウンセラー: see you", agent.queries[0].message)
}

func TestHandleDiagnosisRequest_NarrativePropagatesFailure(t *testing.T) {
	store := &mockStore{turns: []domain.Turn{turn("s1", "hello", "hi")}}
	agent := &mockAgent{err: fmt.Errorf("%w: timeout", domain.ErrAgentUnavailable)}
	svc := newTestService(t, store, agent)

	_, err := svc.HandleDiagnosisRequest(context.Background(), "s1", domain.DiagnosisNarrative)
	requireCode(t, err, ErrorAgentUnavailable)
}

func TestHandleDiagnosisRequest_Validates(t *testing.T) {
	svc := newTestService(t, &mockStore{}, &mockAgent{})

	_, err := svc.HandleDiagnosisRequest(context.Background(), "", domain.DiagnosisQuantitative)
	requireCode(t, err, ErrorInvalidInput)

	_, err = svc.HandleDiagnosisRequest(context.Background(), "s1", domain.DiagnosisMode("poetry"))
	requireCode(t, err, ErrorInvalidInput)
}

type fixedExtractor struct {
	result domain.DiagnosisResult
	seen   string
}

func (f *fixedExtractor) Extract(reply string) (domain.DiagnosisResult, error) {
	f.seen = reply
	return f.result, nil
}

func TestHandleDiagnosisRequest_CustomExtractor(t *testing.T) {
	store := &mockStore{turns: []domain.Turn{turn("s1", "hello", "hi")}}
	ext := &fixedExtractor{result: domain.DiagnosisResult{Risk: 7, Confidence: 70}}
	svc := newTestService(t, store, &mockAgent{reply: "raw"}, WithExtractor(domain.DiagnosisQuantitative, ext))

	res, err := svc.HandleDiagnosisRequest(context.Background(), "s1", domain.DiagnosisQuantitative)
	require.NoError(t, err)
	require.Equal(t, "raw", ext.seen)
	require.Equal(t, 7, res.Risk)
	require.Equal(t, domain.DiagnosisQuantitative, res.Mode)
}

func TestMonotonicClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.FixedZone("JST", 9*3600))
	c := &monotonicClock{now: func() time.Time { return now }}

	a := c.Now()
	b := c.Now()
	require.Equal(t, time.UTC, a.Location())
	require.Equal(t, time.Microsecond, b.Sub(a))

	now = now.Add(time.Second)
	require.True(t, now.Equal(c.Now()))
}
