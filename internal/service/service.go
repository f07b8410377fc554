// Package service wires the coordination protocol to persistence and the
// live event stream.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/adapter/partyclient"
	"github.com/xiaot623/huddle/internal/repository"
	"github.com/xiaot623/huddle/internal/session"
	"github.com/xiaot623/huddle/internal/venue"
)

// Broadcaster delivers live messages to a session's watchers.
type Broadcaster interface {
	BroadcastJSON(sessionID string, v any) error
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastJSON(string, any) error { return nil }

// Options configures a Service.
type Options struct {
	Store    repository.Store
	Registry *session.Registry
	Engines  session.Engines
	Venues   *venue.Directory
	Hub      Broadcaster

	// Defaults applied to every session; Window and Venue are ignored.
	Session session.Config

	// Options for HTTP party transports.
	PartyOptions []partyclient.HTTPOption

	Logger *zap.Logger
}

// Service runs sessions and records what they do.
type Service struct {
	store    repository.Store
	registry *session.Registry
	engines  session.Engines
	venues   *venue.Directory
	hub      Broadcaster
	defaults session.Config
	partyOps []partyclient.HTTPOption
	logger   *zap.Logger

	// Sessions outlive the requests that start them.
	baseCtx context.Context
	stop    context.CancelFunc
	pumps   sync.WaitGroup
}

// New creates a service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Hub == nil {
		opts.Hub = nopBroadcaster{}
	}
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(5*time.Minute, opts.Logger)
	}
	if opts.Engines.Logger == nil {
		opts.Engines.Logger = opts.Logger
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		store:    opts.Store,
		registry: opts.Registry,
		engines:  opts.Engines,
		venues:   opts.Venues,
		hub:      opts.Hub,
		defaults: opts.Session,
		partyOps: opts.PartyOptions,
		logger:   opts.Logger,
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Run sweeps ended sessions out of the registry until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.registry.RunEviction(ctx, time.Second)
}

// Shutdown abandons live sessions and waits for their events to be recorded.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	if err := s.registry.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
