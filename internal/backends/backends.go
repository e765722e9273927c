// Package backends constructs the configured transcription backend. It is
// the single place that knows every adapter, so transport and watcher code
// stay backend-agnostic.
package backends

import (
	"fmt"
	"time"

	"github.com/tiroq/streamscribe/internal/config"
	"github.com/tiroq/streamscribe/internal/diaglog"
	"github.com/tiroq/streamscribe/internal/transcriber"
	"github.com/tiroq/streamscribe/internal/transcriber/localwhisper"
	"github.com/tiroq/streamscribe/internal/transcriber/openaiwhisper"
	"github.com/tiroq/streamscribe/internal/transcriber/wsstream"
)

// New builds the backend named by cfg.Method. Configuration errors (unknown
// method, missing credentials) fail fast here, before any session exists.
func New(cfg *config.Config, logger *diaglog.Logger) (transcriber.Transcriber, error) {
	switch transcriber.Method(cfg.Method) {
	case transcriber.MethodLocalWhisper:
		if cfg.LocalWhisper.BinaryPath == "" {
			return nil, fmt.Errorf("backends: local_whisper requires a binary path")
		}
		return localwhisper.New(localwhisper.Config{
			BinaryPath:     cfg.LocalWhisper.BinaryPath,
			ModelPath:      cfg.LocalWhisper.ModelPath,
			Model:          cfg.Model,
			Language:       cfg.Language,
			Threads:        cfg.LocalWhisper.Threads,
			TimeoutSeconds: cfg.LocalWhisper.TimeoutSeconds,
		}, logger), nil

	case transcriber.MethodOpenAIWhisper:
		if cfg.BatchAPI.APIKey == "" {
			return nil, fmt.Errorf("backends: openai_whisper requires an API key")
		}
		return openaiwhisper.New(openaiwhisper.Config{
			BaseURL:        cfg.BatchAPI.BaseURL,
			APIKey:         cfg.BatchAPI.APIKey,
			Model:          cfg.Model,
			Language:       cfg.Language,
			TimeoutSeconds: cfg.BatchAPI.TimeoutSeconds,
			Retries:        cfg.BatchAPI.Retries,
		}, logger), nil

	case transcriber.MethodRemoteStream:
		if cfg.StreamAPI.URL == "" {
			return nil, fmt.Errorf("backends: remote_stream requires an endpoint URL")
		}
		return wsstream.New(wsstream.Config{
			URL:         cfg.StreamAPI.URL,
			Token:       cfg.StreamAPI.Token,
			Model:       cfg.Model,
			Language:    cfg.Language,
			QueueSize:   cfg.StreamAPI.QueueSize,
			JoinTimeout: time.Duration(cfg.StreamAPI.JoinTimeoutSeconds) * time.Second,
		}, logger), nil

	default:
		return nil, fmt.Errorf("backends: unsupported transcription method %q", cfg.Method)
	}
}
