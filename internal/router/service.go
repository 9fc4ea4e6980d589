// Package router serves voice requests arriving on the bus.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Runner runs the voice pipeline for one request.
type Runner interface {
	ChunkSize() int
	RunWithChunkSize(ctx context.Context, text string, chunkSize int) iter.Seq2[[]byte, error]
}

var (
	errBusy          = errors.New("too many active sessions")
	errSessionActive = errors.New("session already active")
)

type Service struct {
	cfg        config.RouterConfig
	bus        *bus.Client
	runner     Runner
	logger     *slog.Logger
	subRequest *nats.Subscription
	subCancel  *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	sessions   map[string]context.CancelFunc
	mu         sync.Mutex
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, runner Runner, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		runner:   runner,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]context.CancelFunc),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectVoiceRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe voice requests: %w", err)
	}
	s.subRequest = sub

	subCancel, err := s.bus.Conn().Subscribe(protocol.SubjectVoiceCancel, s.handleCancel)
	if err != nil {
		_ = s.subRequest.Drain()
		return fmt.Errorf("subscribe voice cancellations: %w", err)
	}
	s.subCancel = subCancel
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subRequest != nil {
		_ = s.subRequest.Drain()
	}
	if s.subCancel != nil {
		_ = s.subCancel.Drain()
	}
	s.wg.Wait()
	if s.subRequest != nil {
		if err := s.bus.Flush(context.Background()); err != nil {
			s.logger.Warn("failed to flush router output", slogError(err))
		}
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subRequest != nil && s.subCancel != nil)
}

// ActiveSessions returns the number of in-flight sessions.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.VoiceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode voice request", slogError(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	chunkSize := s.runner.ChunkSize()
	if req.ChunkSize != nil {
		chunkSize = *req.ChunkSize
	}

	ctx, err := s.register(req.SessionID)
	if err != nil {
		s.logger.Warn("router rejected voice request",
			slog.String("session_id", req.SessionID),
			slogError(err))
		s.publishStatus(req, 0, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unregister(req.SessionID)
		s.serve(ctx, req, chunkSize)
	}()
}

func (s *Service) register(sessionID string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return nil, errSessionActive
	}
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		return nil, errBusy
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.sessions[sessionID] = cancel
	return ctx, nil
}

func (s *Service) unregister(sessionID string) {
	s.mu.Lock()
	cancel := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) serve(ctx context.Context, req protocol.VoiceRequest, chunkSize int) {
	start := time.Now()
	logger := s.logger.With(slog.String("session_id", req.SessionID))
	subject := protocol.AudioSubject(req.SessionID)

	sequence := 0
	var runErr error
	for chunk, err := range s.runner.RunWithChunkSize(ctx, req.Text, chunkSize) {
		if err != nil {
			runErr = err
			break
		}
		packet := protocol.AudioChunk{
			SessionID: req.SessionID,
			Target:    req.Target,
			Sequence:  sequence,
			Data:      chunk,
		}
		if err := s.bus.PublishJSON(subject, packet); err != nil {
			logger.Warn("failed to publish audio chunk", slogError(err))
			runErr = err
			break
		}
		sequence++
	}

	final := protocol.AudioChunk{SessionID: req.SessionID, Target: req.Target, Sequence: sequence, Final: true}
	if err := s.bus.PublishJSON(subject, final); err != nil {
		logger.Warn("failed to publish final audio chunk", slogError(err))
	}
	s.publishStatus(req, sequence, runErr)
	logger.Info("voice session finished",
		slog.Int("chunks", sequence),
		slog.Duration("latency", time.Since(start)),
		slog.Bool("completed", runErr == nil))
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.VoiceCancel
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode voice cancel", slogError(err))
		return
	}
	s.mu.Lock()
	cancel := s.sessions[req.SessionID]
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	s.logger.Info("cancelling voice session", slog.String("session_id", req.SessionID))
	cancel()
}

func (s *Service) publishStatus(req protocol.VoiceRequest, chunks int, err error) {
	status := protocol.VoiceStatus{
		SessionID: req.SessionID,
		Target:    req.Target,
		Completed: err == nil,
		Chunks:    chunks,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		if kind := pipeline.KindOf(err); kind != 0 {
			status.ErrorKind = kind.String()
		}
	}
	if err := s.bus.PublishJSON(protocol.SubjectVoiceDone, status); err != nil {
		s.logger.Warn("failed to publish voice status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
