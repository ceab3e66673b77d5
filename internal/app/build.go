package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/proplio/askdesk/internal/answers"
	"github.com/proplio/askdesk/internal/config"
	"github.com/proplio/askdesk/internal/convo"
	"github.com/proplio/askdesk/internal/httpapi"
	"github.com/proplio/askdesk/internal/lead"
	"github.com/proplio/askdesk/internal/observability"
	"github.com/proplio/askdesk/internal/speech"
	"github.com/proplio/askdesk/internal/transcript"
)

// Providers names the resolved backend for each external concern.
type Providers struct {
	Speech  string
	Answers string
	Lead    string
	Store   string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *convo.Manager
	Orchestrator *convo.Orchestrator
	Metrics      *observability.Metrics
	Providers    Providers

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the whole service together. Any external endpoint left
// unconfigured falls back to a local mock so the widget stays usable
// without credentials.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	providers := Providers{Speech: "mock", Answers: "mock", Lead: "mock", Store: "in-memory"}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		providers.Store = "postgres"
	}

	var (
		transcriber speech.Transcriber
		synthesizer speech.Synthesizer
	)
	if strings.TrimSpace(cfg.SpeechBaseURL) != "" {
		c := speech.NewClient(speech.Config{
			BaseURL:    cfg.SpeechBaseURL,
			APIKey:     cfg.SpeechAPIKey,
			MaxRetries: 2,
		}, observability.Component("speech"))
		transcriber = c
		synthesizer = c
		providers.Speech = "http"
	} else {
		m := speech.NewMock()
		transcriber = m
		synthesizer = m
	}

	var asker answers.Asker
	if strings.TrimSpace(cfg.AnswerBaseURL) != "" {
		asker = answers.NewClient(answers.Config{
			BaseURL: cfg.AnswerBaseURL,
			APIKey:  cfg.AnswerAPIKey,
		}, observability.Component("answers"))
		providers.Answers = "http"
	} else {
		asker = answers.NewMock()
	}

	var quota lead.QuotaSource
	if strings.TrimSpace(cfg.LeadBaseURL) != "" {
		quota = lead.NewClient(lead.Config{
			BaseURL:    cfg.LeadBaseURL,
			APIKey:     cfg.LeadAPIKey,
			MaxRetries: 2,
		}, observability.Component("lead"))
		providers.Lead = "http"
	} else {
		quota = lead.NewMockSource(lead.MaxQuestions)
	}

	sessions := convo.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *convo.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := convo.NewOrchestrator(
		sessions,
		transcriber,
		synthesizer,
		asker,
		store,
		metrics,
		observability.Component("convo"),
		convo.Options{
			SpeakDelay:        cfg.SpeakDelay,
			PlaybackChunk:     cfg.PlaybackChunkBytes,
			PlaybackInterval:  cfg.PlaybackChunkInterval,
			MaxRecordingBytes: cfg.MaxRecordingBytes,
		},
	)

	api := httpapi.New(cfg, sessions, orchestrator, quota, metrics, observability.Component("httpapi"))

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Providers:    providers,
		Cleanup:      store.Close,
	}, nil
}
