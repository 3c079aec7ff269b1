// Package responses turns independent request/response calls into resumable
// conversations.
//
// Information Hiding:
// - Mapping of response ids onto durable threads
// - The store gate deciding which responses can be continued
// - Retry of checkpoint writes without re-running generation

package responses

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/richinex/cortex/backend"
	"github.com/richinex/cortex/llm"
	"github.com/richinex/cortex/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Defaults for the checkpoint write retry policy.
const (
	DefaultPersistAttempts = 3
	DefaultPersistBackoff  = 200 * time.Millisecond

	// NoPersistBackoff retries checkpoint writes without pausing.
	NoPersistBackoff time.Duration = -1
)

// Config wires a Service.
type Config struct {
	Checkpoints storage.CheckpointStore
	Tracker     storage.ResponseTracker
	Generator   Generator
	// Validator runs before any I/O. Nil uses DefaultValidator.
	Validator Validator
	// PersistAttempts is the total number of Append attempts on transient
	// failures, including the first.
	PersistAttempts int
	// PersistBackoff is the fixed pause between attempts. Zero uses
	// DefaultPersistBackoff; NoPersistBackoff (or any negative value) means
	// no pause.
	PersistBackoff time.Duration
	// NewID and Now are injectable for tests.
	NewID func() string
	Now   func() time.Time
}

// Service runs the per-request continuation state machine. It holds no
// per-request state and is safe for concurrent use.
type Service struct {
	checkpoints storage.CheckpointStore
	tracker     storage.ResponseTracker
	generator   Generator
	validator   Validator
	attempts    int
	backoff     time.Duration
	newID       func() string
	now         func() time.Time
}

// NewService validates cfg and fills defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Checkpoints == nil {
		return nil, errors.New("responses: checkpoint store is nil")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("responses: response tracker is nil")
	}
	if cfg.Generator == nil {
		return nil, errors.New("responses: generator is nil")
	}
	s := &Service{
		checkpoints: cfg.Checkpoints,
		tracker:     cfg.Tracker,
		generator:   cfg.Generator,
		validator:   cfg.Validator,
		attempts:    cfg.PersistAttempts,
		backoff:     cfg.PersistBackoff,
		newID:       cfg.NewID,
		now:         cfg.Now,
	}
	if s.validator == nil {
		s.validator = DefaultValidator{}
	}
	if s.attempts <= 0 {
		s.attempts = DefaultPersistAttempts
	}
	switch {
	case s.backoff == 0:
		s.backoff = DefaultPersistBackoff
	case s.backoff < 0:
		s.backoff = 0
	}
	if s.newID == nil {
		s.newID = NewResponseID
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// NewServiceFromHandle wires a Service onto an open backend handle.
func NewServiceFromHandle(h *backend.Handle, gen Generator, cfg Config) (*Service, error) {
	if h == nil {
		return nil, errors.New("responses: backend handle is nil")
	}
	cfg.Checkpoints = h.Checkpoints
	cfg.Tracker = h.Tracker
	cfg.Generator = gen
	return NewService(cfg)
}

// Create runs one request. A non-nil error is always an *Error.
func (s *Service) Create(ctx context.Context, req Request) (*Response, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: err.Error(), Err: err}
	}

	store := req.ShouldStore()
	responseID := s.newID()
	logger := log.With().
		Str("response_id", responseID).
		Str("previous_response_id", req.PreviousResponseID).
		Bool("store", store).
		Logger()

	// Resolve the thread.
	threadID := responseID
	if req.PreviousResponseID != "" {
		rec, found, err := s.tracker.Resolve(ctx, req.PreviousResponseID)
		if err != nil {
			logger.Error().Err(err).Msg("responses: resolve previous response failed")
			return nil, persistError("could not look up the previous response", "", err)
		}
		if !found {
			logger.Info().Msg("responses: previous response is unknown")
			return nil, notFound(fmt.Sprintf("previous response %s not found", req.PreviousResponseID))
		}
		if !rec.WasStored {
			logger.Info().Str("thread_id", rec.ThreadID).Msg("responses: previous response was created with store=false")
			return nil, notFound(fmt.Sprintf("previous response %s not found", req.PreviousResponseID))
		}
		threadID = rec.ThreadID
	}
	logger = logger.With().Str("thread_id", threadID).Logger()

	// Load state.
	var history []llm.ChatMessage
	cp, found, err := s.checkpoints.Load(ctx, threadID)
	if err != nil {
		logger.Error().Err(err).Msg("responses: load checkpoint failed")
		return nil, persistError("could not load conversation state", "", err)
	}
	if found {
		history = cp.Payload.Messages
	}

	if strings.TrimSpace(req.Instructions) != "" {
		if req.PreviousResponseID == "" {
			history = append([]llm.ChatMessage{llm.SystemMessage(req.Instructions)}, history...)
		} else {
			logger.Debug().Msg("responses: instructions ignored when continuing a thread")
		}
	}

	if store {
		if err := s.tracker.PreRegister(ctx, responseID, threadID); err != nil {
			logger.Error().Err(err).Msg("responses: pre-register failed")
			return nil, persistError("could not register the response", "", err)
		}
	}

	opts := llm.GenerateOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	reply, err := s.generate(ctx, history, req.Input, opts)
	if err != nil {
		re := generationError(err)
		logger.Warn().Err(err).Str("generation_kind", string(re.GenerationKind)).Msg("responses: generation failed")
		return nil, re
	}

	createdAt := s.now().UTC()
	var persistErr *Error
	if store {
		snap := storage.Snapshot{
			Messages:   appendTurn(history, req.Input, reply.Content),
			ResponseID: responseID,
			Metadata:   snapshotMetadata(req, reply),
		}
		checkpointID, err := s.persist(ctx, logger, threadID, snap)
		if err != nil {
			persistErr = persistError(
				fmt.Sprintf("reply generated but the conversation could not be saved; it can be continued from %s", responseID),
				responseID, err)
			logger.Error().Err(err).Msg("responses: persist failed")
		} else {
			logger.Debug().Int64("checkpoint_id", checkpointID).Msg("responses: checkpoint saved")
		}
	}

	if err := s.tracker.Finalize(ctx, responseID, threadID, store); err != nil {
		logger.Error().Err(err).Msg("responses: finalize failed")
	}

	if persistErr != nil {
		return nil, persistErr
	}
	return &Response{
		ID:                 responseID,
		ThreadID:           threadID,
		Reply:              reply.Content,
		Model:              reply.Model,
		Usage:              reply.Usage,
		Store:              store,
		CreatedAt:          createdAt,
		PreviousResponseID: req.PreviousResponseID,
		Metadata:           copyStrings(req.Metadata),
	}, nil
}

// generate calls the collaborator once. A panic becomes an error.
func (s *Service) generate(ctx context.Context, history []llm.ChatMessage, input string, opts llm.GenerateOptions) (resp llm.LLMResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &llm.GenerationError{Kind: llm.ErrorKindUnknown, Err: errors.Errorf("generator panic: %v", r)}
		}
	}()
	return s.generator.Generate(ctx, history, input, opts)
}

// persist appends snap, retrying transient failures only. Generation is
// never repeated here.
func (s *Service) persist(ctx context.Context, logger zerolog.Logger, threadID string, snap storage.Snapshot) (int64, error) {
	attempt := 0
	op := func() (int64, error) {
		attempt++
		id, err := s.checkpoints.Append(ctx, threadID, snap)
		if err != nil && !storage.IsTransient(err) {
			return 0, backoff.Permanent(err)
		}
		return id, err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.backoff), uint64(s.attempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("responses: transient persist failure, retrying")
	}
	return backoff.RetryNotifyWithData(op, policy, notify)
}

// Retrieve returns the tracking record of a past response and, when it was
// stored, its thread's newest checkpoint.
func (s *Service) Retrieve(ctx context.Context, responseID string) (*Retrieved, error) {
	rec, found, err := s.tracker.Resolve(ctx, responseID)
	if err != nil {
		return nil, persistError("could not look up the response", "", err)
	}
	if !found {
		return nil, notFound(fmt.Sprintf("response %s not found", responseID))
	}
	out := &Retrieved{Record: rec}
	if !rec.WasStored {
		return out, nil
	}
	cp, found, err := s.checkpoints.Load(ctx, rec.ThreadID)
	if err != nil {
		return nil, persistError("could not load conversation state", "", err)
	}
	if found {
		out.Latest = &cp
	}
	return out, nil
}

// History lists every checkpoint of a thread, oldest first.
func (s *Service) History(ctx context.Context, threadID string) ([]storage.Checkpoint, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "thread id must not be empty"}
	}
	cps, err := s.checkpoints.List(ctx, threadID)
	if err != nil {
		return nil, persistError("could not list checkpoints", "", err)
	}
	return cps, nil
}

func appendTurn(history []llm.ChatMessage, input, reply string) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history)+2)
	out = append(out, history...)
	out = append(out, llm.UserMessage(input), llm.AssistantMessage(reply))
	return out
}

func snapshotMetadata(req Request, reply llm.LLMResponse) map[string]any {
	md := make(map[string]any, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		md[k] = v
	}
	if reply.Model != "" {
		md["model"] = reply.Model
	}
	if reply.Usage != nil {
		md["usage"] = reply.Usage
	}
	if req.PreviousResponseID != "" {
		md["previous_response_id"] = req.PreviousResponseID
	}
	return md
}

func copyStrings(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
