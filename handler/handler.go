package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"mimitalk-agent/internal/domain"
	"mimitalk-agent/internal/integrations/speech"
	"mimitalk-agent/internal/usecase"
)

const (
	RouteConversation      = "/conversation"
	RouteRealtimeDiagnosis = "/diagnosis/realtime"
	RouteDiagnosis         = "/diagnosis"

	headerCorrelationID = "X-Correlation-Id"
	headerSessionID     = "X-Session-Id"

	maxFormMemory = 10 << 20

	codeNotFound          = "NOT_FOUND"
	codeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	codeSpeechUnavailable = "SPEECH_UNAVAILABLE"
)

type ConversationUseCase interface {
	HandleUtterance(ctx context.Context, sessionID, userText string) (string, error)
	HandleDiagnosisRequest(ctx context.Context, sessionID string, mode domain.DiagnosisMode) (domain.DiagnosisResult, error)
}

type SpeechClient interface {
	Transcribe(ctx context.Context, audio []byte, cfg speech.RecognitionConfig) (string, error)
	Synthesize(ctx context.Context, text string, voice speech.VoiceProfile) ([]byte, error)
}

type RequestObserver interface {
	RequestServed(route string, status int, elapsed time.Duration)
}

type Handler struct {
	conv        ConversationUseCase
	speech      SpeechClient
	recognition speech.RecognitionConfig
	voice       speech.VoiceProfile
	observer    RequestObserver
}

type Option func(*Handler)

func WithRecognitionConfig(cfg speech.RecognitionConfig) Option {
	return func(h *Handler) {
		h.recognition = cfg
	}
}

func WithVoiceProfile(v speech.VoiceProfile) Option {
	return func(h *Handler) {
		h.voice = v
	}
}

func WithRequestObserver(o RequestObserver) Option {
	return func(h *Handler) {
		h.observer = o
	}
}

type diagnosisRequest struct {
	SessionID string `json:"session_id"`
}

type realtimeDiagnosisResponse struct {
	Risk       int    `json:"risk"`
	Confidence int    `json:"confidence"`
	Error      string `json:"error,omitempty"`
}

type narrativeDiagnosisResponse struct {
	Diagnosis string `json:"diagnosis"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func NewHandler(conv ConversationUseCase, sp SpeechClient, opts ...Option) (*Handler, error) {
	if conv == nil {
		return nil, errors.New("handler: conversation use case must not be nil")
	}
	if sp == nil {
		return nil, errors.New("handler: speech client must not be nil")
	}
	h := &Handler{
		conv:        conv,
		speech:      sp,
		recognition: speech.DefaultRecognitionConfig(),
		voice:       speech.DefaultVoiceProfile(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := headerValue(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	route := strings.TrimRight(event.Path, "/")
	logger := slog.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", route)

	resp := h.route(ctx, logger, route, event)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	for k, v := range corsHeaders() {
		resp.Headers[k] = v
	}
	resp.Headers[headerCorrelationID] = correlationID

	if h.observer != nil {
		h.observer.RequestServed(route, resp.StatusCode, time.Since(start))
	}
	logger.Info("request served", "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
	return resp, nil
}

func (h *Handler) route(ctx context.Context, logger *slog.Logger, route string, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	if event.HTTPMethod == http.MethodOptions {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
	}
	switch route {
	case RouteConversation, RouteRealtimeDiagnosis, RouteDiagnosis:
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: "route not found", Code: codeNotFound})
	}
	if event.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Code: codeMethodNotAllowed})
	}

	switch route {
	case RouteConversation:
		return h.handleConversation(ctx, logger, event)
	case RouteRealtimeDiagnosis:
		return h.handleDiagnosis(ctx, logger, event, domain.DiagnosisQuantitative)
	default:
		return h.handleDiagnosis(ctx, logger, event, domain.DiagnosisNarrative)
	}
}

func (h *Handler) handleConversation(ctx context.Context, logger *slog.Logger, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	form, err := parseMultipart(event)
	if err != nil {
		logger.Warn("invalid multipart body", "err", err)
		return invalidInput("multipart/form-data body is required")
	}
	defer func() { _ = form.RemoveAll() }()

	audio, err := formFile(form, "audio_data")
	if err != nil {
		logger.Warn("audio upload missing", "err", err)
		return invalidInput("audio_data is required")
	}
	sessionID := formValue(form, "session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger = logger.With("session_id", sessionID)

	userText, err := h.speech.Transcribe(ctx, audio, h.recognition)
	if err != nil {
		logger.Error("transcription failed", "err", err)
		return jsonResponse(http.StatusBadGateway, errorResponse{Error: "transcription failed", Code: codeSpeechUnavailable})
	}

	agentText, err := h.conv.HandleUtterance(ctx, sessionID, userText)
	if err != nil {
		return useCaseErrorResponse(logger, err)
	}

	mp3, err := h.speech.Synthesize(ctx, agentText, h.voice)
	if err != nil {
		logger.Error("speech synthesis failed", "err", err)
		return jsonResponse(http.StatusBadGateway, errorResponse{Error: "speech synthesis failed", Code: codeSpeechUnavailable})
	}

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":  "audio/mpeg",
			headerSessionID: sessionID,
		},
		Body:            base64.StdEncoding.EncodeToString(mp3),
		IsBase64Encoded: true,
	}
}

func (h *Handler) handleDiagnosis(ctx context.Context, logger *slog.Logger, event events.APIGatewayProxyRequest, mode domain.DiagnosisMode) events.APIGatewayProxyResponse {
	body, err := requestBody(event)
	if err != nil {
		return invalidInput("session_id is required")
	}
	var req diagnosisRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		return invalidInput("session_id is required")
	}
	logger = logger.With("session_id", req.SessionID, "mode", string(mode))

	result, err := h.conv.HandleDiagnosisRequest(ctx, req.SessionID, mode)
	if err != nil {
		return useCaseErrorResponse(logger, err)
	}

	if mode == domain.DiagnosisNarrative {
		return jsonResponse(http.StatusOK, narrativeDiagnosisResponse{Diagnosis: result.DiagnosisText})
	}
	status := http.StatusOK
	if result.Degraded() {
		status = http.StatusInternalServerError
	}
	return jsonResponse(status, realtimeDiagnosisResponse{
		Risk:       result.Risk,
		Confidence: result.Confidence,
		Error:      result.Error,
	})
}

func useCaseErrorResponse(logger *slog.Logger, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: "internal error", Code: string(usecase.ErrorInternal)})
	}

	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		logger.Warn("request rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return jsonResponse(status, errorResponse{Error: ucErr.Reason, Code: string(ucErr.Code)})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorStorageUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorAgentUnavailable, usecase.ErrorNoDiagnosisPayload, usecase.ErrorMalformedDiagnosis:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func invalidInput(msg string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{Error: msg, Code: string(usecase.ErrorInvalidInput)})
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"internal error","code":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(raw),
	}
}

func corsHeaders() map[string]string {
	return map[string]string{
		"Access-Control-Allow-Origin":   "*",
		"Access-Control-Allow-Methods":  "POST, OPTIONS",
		"Access-Control-Allow-Headers":  "Content-Type",
		"Access-Control-Expose-Headers": headerSessionID + ", " + headerCorrelationID,
		"Access-Control-Max-Age":        "3600",
	}
}

// headerValue looks key up case-insensitively; API Gateway preserves the
// client's casing.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func requestBody(event events.APIGatewayProxyRequest) ([]byte, error) {
	if !event.IsBase64Encoded {
		return []byte(event.Body), nil
	}
	return base64.StdEncoding.DecodeString(event.Body)
}

func parseMultipart(event events.APIGatewayProxyRequest) (*multipart.Form, error) {
	mediaType, params, err := mime.ParseMediaType(headerValue(event.Headers, "Content-Type"))
	if err != nil {
		return nil, err
	}
	if mediaType != "multipart/form-data" || params["boundary"] == "" {
		return nil, errors.New("not a multipart/form-data request")
	}
	body, err := requestBody(event)
	if err != nil {
		return nil, err
	}
	return multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(maxFormMemory)
}

func formFile(form *multipart.Form, field string) ([]byte, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, errors.New("missing form file " + field)
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty form file " + field)
	}
	return data, nil
}

func formValue(form *multipart.Form, field string) string {
	if vals := form.Value[field]; len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
