// Package app assembles the pipeline from configuration. It is shared by the
// Lambda entry point and the local development server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	gcpfirestore "cloud.google.com/go/firestore"
	gcpspeech "cloud.google.com/go/speech/apiv1"
	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"google.golang.org/api/option"

	"mimitalk-agent/handler"
	"mimitalk-agent/internal/config"
	"mimitalk-agent/internal/integrations/agentengine"
	"mimitalk-agent/internal/integrations/gcpauth"
	"mimitalk-agent/internal/integrations/paramstore"
	"mimitalk-agent/internal/integrations/speech"
	"mimitalk-agent/internal/repository"
	"mimitalk-agent/internal/repository/firestore"
	"mimitalk-agent/internal/usecase"
)

// ServiceAccountKey is the parameter, under the configured prefix, that holds
// the Google service-account JSON.
const ServiceAccountKey = "gcp-service-account"

// Observer receives both pipeline and HTTP request events.
type Observer interface {
	usecase.Observer
	handler.RequestObserver
}

type App struct {
	Handler *handler.Handler
	closers []func() error
}

// Close releases clients opened by Build.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Build wires every collaborator for cfg. obs may be nil.
func Build(ctx context.Context, cfg config.Config, obs Observer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid configuration: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}
	creds, err := gcpauth.NewLoader(params, ServiceAccountKey)
	if err != nil {
		return nil, fmt.Errorf("app: create credentials loader: %w", err)
	}

	a := &App{}
	store, err := a.buildStore(ctx, cfg, awsCfg, creds)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	agents, err := a.buildAgents(ctx, cfg, creds)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	speechClient, err := a.buildSpeech(ctx, creds)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var svcOpts []usecase.Option
	var handlerOpts []handler.Option
	if obs != nil {
		svcOpts = append(svcOpts, usecase.WithObserver(obs))
		handlerOpts = append(handlerOpts, handler.WithRequestObserver(obs))
	}
	conv, err := usecase.NewConversationService(store, agents, usecase.Config{
		DialogueAgentID:  cfg.VertexAgentID,
		DiagnosisAgentID: cfg.DiagnosisAgentID,
	}, svcOpts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: create conversation service: %w", err)
	}

	recognition := speech.DefaultRecognitionConfig()
	recognition.LanguageCode = cfg.SpeechLanguage
	recognition.SampleRateHertz = cfg.SpeechSampleRate
	voice := speech.DefaultVoiceProfile()
	voice.LanguageCode = cfg.SpeechLanguage
	handlerOpts = append(handlerOpts,
		handler.WithRecognitionConfig(recognition),
		handler.WithVoiceProfile(voice),
	)

	h, err := handler.NewHandler(conv, speechClient, handlerOpts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: create handler: %w", err)
	}
	a.Handler = h
	return a, nil
}

func (a *App) buildStore(ctx context.Context, cfg config.Config, awsCfg aws.Config, creds *gcpauth.Loader) (usecase.TurnStore, error) {
	switch cfg.StoreBackend {
	case config.BackendFirestore:
		key, err := creds.KeyJSON(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load service account key: %w", err)
		}
		client, err := gcpfirestore.NewClient(ctx, cfg.GCPProjectID, option.WithCredentialsJSON(key))
		if err != nil {
			return nil, fmt.Errorf("app: create Firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		slog.Info("using firestore turn store", "project_id", cfg.GCPProjectID)
		return firestore.New(client)
	default:
		store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: create DynamoDB store: %w", err)
		}
		slog.Info("using dynamodb turn store", "table", cfg.StateTable)
		return store, nil
	}
}

// buildAgents and buildSpeech open gRPC clients that dial lazily and draw
// tokens from creds, so SSM is not read until the first Google call.
func (a *App) buildAgents(ctx context.Context, cfg config.Config, creds *gcpauth.Loader) (*agentengine.Client, error) {
	exec, err := aiplatform.NewReasoningEngineExecutionClient(ctx,
		option.WithEndpoint(agentengine.Endpoint(cfg.GCPLocationID)),
		option.WithTokenSource(creds.TokenSource()),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create Agent Engine client: %w", err)
	}
	a.closers = append(a.closers, exec.Close)

	agents, err := agentengine.NewClient(exec, cfg.GCPProjectID, cfg.GCPLocationID, agentengine.WithUserID(cfg.AgentUserID))
	if err != nil {
		return nil, fmt.Errorf("app: create agent client: %w", err)
	}
	return agents, nil
}

func (a *App) buildSpeech(ctx context.Context, creds *gcpauth.Loader) (*speech.Client, error) {
	stt, err := gcpspeech.NewClient(ctx, option.WithTokenSource(creds.TokenSource()))
	if err != nil {
		return nil, fmt.Errorf("app: create Speech-to-Text client: %w", err)
	}
	a.closers = append(a.closers, stt.Close)

	tts, err := texttospeech.NewClient(ctx, option.WithTokenSource(creds.TokenSource()))
	if err != nil {
		return nil, fmt.Errorf("app: create Text-to-Speech client: %w", err)
	}
	a.closers = append(a.closers, tts.Close)

	sp, err := speech.NewClient(stt, tts)
	if err != nil {
		return nil, fmt.Errorf("app: create speech client: %w", err)
	}
	return sp, nil
}
