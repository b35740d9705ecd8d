package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chiehlin/factortuner/internal/events"
	"github.com/chiehlin/factortuner/internal/modules/paramspace"
)

// CreateRequest describes a new exploration session
type CreateRequest struct {
	Mode          string `json:"mode"`
	SampleSize    int    `json:"sample_size,omitempty"`
	Method        string `json:"method,omitempty"`
	Seed          int64  `json:"seed,omitempty"`
	MaxStrategies int    `json:"max_strategies,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// CreateResponse reports the generated session
type CreateResponse struct {
	SessionID       string               `json:"session_id"`
	Mode            string               `json:"mode"`
	TotalStrategies int                  `json:"total_strategies"`
	Space           paramspace.SpaceInfo `json:"space"`
}

// Service turns the parameter space into stored, queued sessions
type Service struct {
	repo      *Repository
	specs     []paramspace.ParameterSpec
	generator *paramspace.Generator
	events    *events.Manager
	log       zerolog.Logger
}

// NewService loads the parameter space from configPath (empty path uses
// the built-in default space) and binds it to the repository.
func NewService(repo *Repository, configPath string, em *events.Manager, log zerolog.Logger) (*Service, error) {
	specs, err := paramspace.LoadSpecs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load parameter space: %w", err)
	}

	gen, err := paramspace.NewGenerator(specs, log)
	if err != nil {
		return nil, err
	}

	return &Service{
		repo:      repo,
		specs:     specs,
		generator: gen,
		events:    em,
		log:       log.With().Str("service", "session").Logger(),
	}, nil
}

// SpaceInfo describes the loaded parameter space without generating
func (s *Service) SpaceInfo() paramspace.SpaceInfo {
	return s.generator.Info()
}

// Preview generates a small sample without persisting anything
func (s *Service) Preview(n int, seed int64) ([]paramspace.StrategyConfig, error) {
	if n <= 0 || n > 100 {
		n = 10
	}
	return s.generator.RandomSample(n, seed)
}

// Create generates the strategy set, persists the session, and
// enqueues every strategy in one batch.
func (s *Service) Create(req CreateRequest) (*CreateResponse, error) {
	var (
		configs []paramspace.StrategyConfig
		err     error
	)
	switch req.Mode {
	case paramspace.ModeExhaustive:
		configs, err = s.generator.Generate(paramspace.ModeExhaustive, req.MaxStrategies, "", 0)
	case paramspace.ModeSampling:
		configs, err = s.generator.Generate(paramspace.ModeSampling, req.SampleSize, req.Method, req.Seed)
	default:
		return nil, fmt.Errorf("unsupported session mode %q", req.Mode)
	}
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("generation produced no strategies")
	}

	snapshot := map[string]interface{}{
		"mode":           req.Mode,
		"sample_size":    req.SampleSize,
		"method":         req.Method,
		"seed":           req.Seed,
		"max_strategies": req.MaxStrategies,
		"space":          s.generator.Info(),
	}

	sessionID, err := s.repo.CreateSession(req.Mode, len(configs), snapshot, req.Notes)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Enqueue(sessionID, configs); err != nil {
		return nil, err
	}

	_ = s.repo.LogExecution(sessionID, "", "INFO",
		fmt.Sprintf("session created with %d strategies", len(configs)), nil)

	if s.events != nil {
		s.events.EmitTyped(events.SessionCreated, "session", &events.SessionEventData{
			SessionID: sessionID,
			Mode:      req.Mode,
			Status:    SessionCreated,
			Total:     len(configs),
			Timestamp: time.Now(),
		})
	}

	return &CreateResponse{
		SessionID:       sessionID,
		Mode:            req.Mode,
		TotalStrategies: len(configs),
		Space:           s.generator.Info(),
	}, nil
}
