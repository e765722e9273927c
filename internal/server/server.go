// Package server exposes the transcription service over HTTP: configuration,
// whole-file uploads, a health probe and the websocket streaming endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tiroq/streamscribe/internal/config"
	"github.com/tiroq/streamscribe/internal/diaglog"
	"github.com/tiroq/streamscribe/internal/protocol"
	"github.com/tiroq/streamscribe/internal/session"
	"github.com/tiroq/streamscribe/internal/store"
	"github.com/tiroq/streamscribe/internal/transcriber"
)

// Factory builds a backend from configuration. Injected so tests can swap in
// a fake backend without network or binaries.
type Factory func(cfg *config.Config, logger *diaglog.Logger) (transcriber.Transcriber, error)

// Server holds the active configuration and the dispatcher built from it.
// A config update swaps both under the mutex; the exclusive gate survives
// swaps so the single-transcription-in-flight guarantee holds across them.
type Server struct {
	factory Factory
	logger  *diaglog.Logger
	gate    *transcriber.Gate

	mu         sync.Mutex
	cfg        *config.Config
	dispatcher *transcriber.Dispatcher
	store      *store.Store

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New constructs the server and its initial backend. Fails fast on a bad
// configuration.
func New(cfg *config.Config, factory Factory, logger *diaglog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := factory(cfg, logger)
	if err != nil {
		return nil, err
	}

	gate := transcriber.NewGate()
	return &Server{
		factory:    factory,
		logger:     logger,
		gate:       gate,
		cfg:        cfg,
		dispatcher: transcriber.NewDispatcher(backend, gate),
		store:      store.New(cfg.TranscriptsPath(), logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 8 * 1024,
			// Local service; browser clients connect from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP routing for all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/transcribe/file", s.handleTranscribeFile)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// snapshot returns the current config/dispatcher/store triple atomically.
func (s *Server) snapshot() (*config.Config, *transcriber.Dispatcher, *store.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.dispatcher, s.store
}

// handleConfig serves the active configuration (GET) and applies a new one
// (POST), rebuilding the backend. Streams opened before the swap keep the
// previous backend until they end.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, _, _ := s.snapshot()
		writeJSON(w, http.StatusOK, cfg)

	case http.MethodPost:
		// Decode over the defaults so omitted fields keep sane values.
		cfg := config.Default()
		if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid config: %w", err))
			return
		}
		if err := cfg.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		backend, err := s.factory(cfg, s.logger)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		s.mu.Lock()
		s.cfg = cfg
		s.dispatcher = transcriber.NewDispatcher(backend, s.gate)
		s.store = store.New(cfg.TranscriptsPath(), s.logger)
		s.mu.Unlock()

		s.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentServer,
			Event:     diaglog.EventConfigUpdated,
			Payload:   map[string]interface{}{"method": cfg.Method, "model": cfg.Model},
		})
		writeJSON(w, http.StatusOK, cfg)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleTranscribeFile accepts a multipart upload, transcribes it with the
// active backend and optionally persists the result.
func (s *Server) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("filename is required"))
		return
	}

	// Keep the original extension so CLI backends can sniff the container.
	tmp, err := os.CreateTemp("", "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil {
			s.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentServer,
				Event:     diaglog.EventCleanupError,
				Reason:    err.Error(),
			})
		}
	}()
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := tmp.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	cfg, dispatcher, st := s.snapshot()
	result, err := dispatcher.DispatchFile(r.Context(), tmpPath)
	if err != nil {
		s.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentServer,
			Event:     diaglog.EventFileError,
			Reason:    err.Error(),
		})
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if cfg.SaveTranscript {
		// Persistence failure doesn't fail the request; the result is
		// still returned to the caller.
		if _, err := st.Save(result); err != nil {
			s.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentServer,
				Event:     diaglog.EventFileError,
				Reason:    fmt.Sprintf("save transcript: %v", err),
			})
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// handleStream runs one streaming session over a websocket. Binary frames
// are raw little-endian float32 PCM; a text frame {"isLastChunk":true} ends
// the stream. The connection closes after the terminal result.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	cfg, dispatcher, _ := s.snapshot()
	ctrl := session.NewController(dispatcher, cfg.ChunkSizeMS, cfg.OverlapMS, cfg.PadFinalChunk, s.logger)
	if err := ctrl.Start(); err != nil {
		s.sendError(conn, err)
		return
	}
	defer ctrl.Stop()

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			results, err := ctrl.Feed(ctx, data)
			if err != nil {
				s.sendError(conn, err)
				return
			}
			for _, res := range results {
				if res.IsFinal {
					// Backend failure downgraded to final. Deliver
					// and end the session.
					s.sendResult(conn, res)
					s.closeNormally(conn)
					return
				}
				if res.Text != "" {
					s.sendResult(conn, res)
				}
			}

		case websocket.TextMessage:
			ctl, err := protocol.ParseControl(data)
			if err != nil {
				continue
			}
			if !ctl.IsLastChunk {
				continue
			}
			res, err := ctrl.End(ctx)
			if err != nil {
				s.sendError(conn, err)
				return
			}
			s.sendResult(conn, res)
			s.closeNormally(conn)
			return
		}
	}
}

// TranscribeLocal transcribes a file already on disk with the active backend,
// persisting the result when enabled. Used by the inbox watcher.
func (s *Server) TranscribeLocal(ctx context.Context, path string) (*transcriber.Result, error) {
	cfg, dispatcher, st := s.snapshot()
	result, err := dispatcher.DispatchFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if cfg.SaveTranscript {
		if _, err := st.Save(result); err != nil {
			s.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentServer,
				Event:     diaglog.EventFileError,
				Reason:    fmt.Sprintf("save transcript: %v", err),
			})
		}
	}
	return result, nil
}

// handleHealth probes the active backend.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, dispatcher, _ := s.snapshot()
	health := dispatcher.Backend().HealthCheck()
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) sendResult(conn *websocket.Conn, res transcriber.PartialTranscript) {
	s.sendFrame(conn, protocol.StreamResult{Text: res.Text, IsFinal: res.IsFinal})
}

func (s *Server) sendError(conn *websocket.Conn, err error) {
	s.sendFrame(conn, protocol.StreamError{Error: err.Error()})
}

func (s *Server) sendFrame(conn *websocket.Conn, msg interface{}) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) closeNormally(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
