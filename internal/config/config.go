package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LocalWhisperConfig configures the local CLI backend.
type LocalWhisperConfig struct {
	BinaryPath     string `json:"binary_path"`
	ModelPath      string `json:"model_path,omitempty"`
	Threads        int    `json:"threads,omitempty"`         // 0 = auto
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // 0 = adapter default
}

// BatchAPIConfig configures the remote batch HTTP backend.
type BatchAPIConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Retries        int    `json:"retries,omitempty"`
}

// StreamAPIConfig configures the remote streaming backend.
type StreamAPIConfig struct {
	URL                string `json:"url"`
	Token              string `json:"token,omitempty"`
	QueueSize          int    `json:"queue_size,omitempty"`
	JoinTimeoutSeconds int    `json:"join_timeout_seconds,omitempty"`
}

// Config holds all runtime configuration.
type Config struct {
	Method   string `json:"method"`             // "local_whisper", "openai_whisper" or "remote_stream"
	Model    string `json:"model"`              // model name passed to the backend
	Language string `json:"language,omitempty"` // "" = auto-detect

	ChunkSizeMS   int  `json:"chunk_size_ms"`             // streaming window length
	OverlapMS     int  `json:"overlap_ms"`                // retained tail between windows
	PadFinalChunk bool `json:"pad_final_chunk,omitempty"` // zero-pad the flushed window to full length

	SaveTranscript bool   `json:"save_transcript"`
	TranscriptsDir string `json:"transcripts_dir,omitempty"` // "" = ~/Documents/streamscribe
	WatchDir       string `json:"watch_dir,omitempty"`       // "" = watcher disabled
	ListenAddr     string `json:"listen_addr"`

	LocalWhisper LocalWhisperConfig `json:"local_whisper,omitempty"`
	BatchAPI     BatchAPIConfig     `json:"batch_api,omitempty"`
	StreamAPI    StreamAPIConfig    `json:"stream_api,omitempty"`
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	return &Config{
		Method:         "local_whisper",
		Model:          "base",
		ChunkSizeMS:    2000,
		OverlapMS:      200,
		SaveTranscript: true,
		ListenAddr:     "127.0.0.1:8765",
		LocalWhisper: LocalWhisperConfig{
			BinaryPath: "whisper-cli",
		},
		BatchAPI: BatchAPIConfig{
			BaseURL: "https://api.openai.com",
		},
	}
}

// Path returns the user config file location, ~/.config/streamscribe/config.json.
func Path() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "streamscribe", "config.json")
}

// Load reads configuration from ~/.config/streamscribe/config.json.
// Falls back to Default() if the file doesn't exist.
func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	// Unknown fields fall back to defaults so older configs keep working.
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to ~/.config/streamscribe/config.json.
func Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	configDir := filepath.Dir(Path())
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	// Write with indentation for readability
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(Path(), data, 0644)
}

// Validate checks Config for validity.
func (c *Config) Validate() error {
	switch c.Method {
	case "local_whisper", "openai_whisper", "remote_stream":
	default:
		return fmt.Errorf("method must be local_whisper, openai_whisper or remote_stream, got %q", c.Method)
	}

	// ChunkSizeMS must be between 100ms and 30s
	if c.ChunkSizeMS < 100 || c.ChunkSizeMS > 30000 {
		return fmt.Errorf("chunk_size_ms must be between 100 and 30000, got %d", c.ChunkSizeMS)
	}

	// Overlap must leave the window advancing
	if c.OverlapMS < 0 {
		return fmt.Errorf("overlap_ms must be >= 0, got %d", c.OverlapMS)
	}
	if c.OverlapMS >= c.ChunkSizeMS {
		return fmt.Errorf("overlap_ms (%d) must be < chunk_size_ms (%d)", c.OverlapMS, c.ChunkSizeMS)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}

	return nil
}

// TranscriptsPath returns the directory transcripts are saved to, resolving
// the default when TranscriptsDir is unset.
func (c *Config) TranscriptsPath() string {
	if c.TranscriptsDir != "" {
		return c.TranscriptsDir
	}
	return filepath.Join(os.Getenv("HOME"), "Documents", "streamscribe")
}
