package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/session"
)

// StartSession launches a scheduling attempt over req.Window.
func (s *Service) StartSession(ctx context.Context, req domain.StartSessionRequest) (*domain.StartSessionResponse, error) {
	if !req.Window.Valid() {
		return nil, fmt.Errorf("window %s: %w", req.Window, domain.ErrInvalidSlot)
	}
	if req.MinSlotMinutes < 0 {
		return nil, errors.New("min_slot_minutes must not be negative")
	}

	parties, err := s.resolveParties(ctx, req.Parties)
	if err != nil {
		return nil, err
	}
	v, err := s.venues.Get(req.VenueID)
	if err != nil {
		return nil, err
	}

	cfg := s.defaults
	cfg.Window = req.Window
	cfg.Venue = v
	cfg.ReservationName = req.Name
	if req.MinSlotMinutes > 0 {
		cfg.MinSlotDuration = time.Duration(req.MinSlotMinutes) * time.Minute
	}

	sessionID := "sess_" + uuid.New().String()[:8]
	ids := make([]domain.PartyID, 0, len(parties))
	for _, p := range parties {
		ids = append(ids, p.ID)
	}

	record := &domain.SessionRecord{
		SessionID: sessionID,
		VenueID:   v.ID(),
		Window:    req.Window,
		Parties:   ids,
		Stage:     domain.StageGathering,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateSession(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := s.recordEvent(ctx, sessionID, domain.EventTypeSessionStarted, req); err != nil {
		s.logger.Warn("failed to record session_started", zap.String("session_id", sessionID), zap.Error(err))
	}

	sess, err := session.Start(s.baseCtx, sessionID, parties, cfg, s.engines)
	if err != nil {
		s.fail(sessionID, err)
		return nil, err
	}
	if err := s.registry.Add(sess); err != nil {
		go drain(sess)
		_ = sess.Cancel(context.WithoutCancel(ctx))
		return nil, err
	}

	s.pumps.Add(1)
	go s.pump(sess)

	return &domain.StartSessionResponse{
		SessionID: sessionID,
		Stage:     domain.StageGathering,
		Parties:   ids,
	}, nil
}

// GetSession returns a live snapshot, or the stored summary of a session
// that is no longer in memory.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	if sess, err := s.registry.Get(sessionID); err == nil {
		snap := sess.Snapshot()
		return &snap, nil
	}

	record, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	snap := &session.Snapshot{
		SessionID:  record.SessionID,
		Stage:      record.Stage,
		Window:     record.Window,
		VenueID:    record.VenueID,
		Parties:    record.Parties,
		BookedSlot: record.BookedSlot,
		CreatedAt:  record.CreatedAt,
		EndedAt:    record.EndedAt,
	}
	if len(record.Error) > 0 {
		var e sessionError
		if json.Unmarshal(record.Error, &e) == nil {
			snap.Reason = e.Message
		}
	}
	return snap, nil
}

// SessionView implements ws.Decider.
func (s *Service) SessionView(ctx context.Context, sessionID string) (any, error) {
	return s.GetSession(ctx, sessionID)
}

// Accept books slot for the session; a zero slot books the recommendation.
func (s *Service) Accept(ctx context.Context, sessionID string, slot domain.TimeSlot) error {
	sess, err := s.live(ctx, sessionID)
	if err != nil {
		return err
	}
	return sess.Accept(ctx, slot)
}

// Reject discards slots, or every offered candidate when none are given.
func (s *Service) Reject(ctx context.Context, sessionID string, slots []domain.TimeSlot) error {
	sess, err := s.live(ctx, sessionID)
	if err != nil {
		return err
	}
	return sess.Reject(ctx, slots...)
}

// Cancel abandons the session.
func (s *Service) Cancel(ctx context.Context, sessionID string) error {
	sess, err := s.live(ctx, sessionID)
	if err != nil {
		return err
	}
	return sess.Cancel(ctx)
}

// ListEvents replays stored events of a session.
func (s *Service) ListEvents(ctx context.Context, sessionID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, sessionID, afterTs, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return events, nil
}

// live returns the in-memory session, or ErrInvalidStage for a session that
// only exists in the store.
func (s *Service) live(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := s.registry.Get(sessionID)
	if err == nil {
		return sess, nil
	}
	snap, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("session %s is %s: %w", sessionID, snap.Stage, domain.ErrInvalidStage)
}

// fail marks a session that never started.
func (s *Service) fail(sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errData, _ := json.Marshal(sessionError{Code: "start_failed", Message: cause.Error()})
	if err := s.store.UpdateSessionCompleted(ctx, sessionID, domain.StageAbandoned, nil, errData); err != nil {
		s.logger.Warn("failed to mark session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func drain(sess *session.Session) {
	for range sess.Events() {
	}
}
