package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/session"
	"github.com/xiaot623/huddle/internal/transport/ws"
)

// sessionError is the stored error of a session that did not complete.
type sessionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// recordEvent records an event to the store.
func (s *Service) recordEvent(ctx context.Context, sessionID string, eventType domain.EventType, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.Event{
		EventID:   "evt_" + uuid.New().String()[:8],
		SessionID: sessionID,
		Ts:        time.Now().UnixMilli(),
		Type:      eventType,
		Payload:   payloadBytes,
	}
	return s.store.CreateEvent(ctx, event)
}

// pump drains a session's events into the store and the live hub.
func (s *Service) pump(sess *session.Session) {
	defer s.pumps.Done()

	logger := s.logger.With(zap.String("session_id", sess.ID()))
	stage := domain.StageGathering

	for ev := range sess.Events() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)

		if err := s.recordEvent(ctx, ev.SessionID, ev.Type, ev); err != nil {
			logger.Warn("failed to record event", zap.String("type", string(ev.Type)), zap.Error(err))
		}

		switch {
		case ev.Type.Terminal():
			var errData []byte
			if ev.Type != domain.EventTypeBooked {
				errData, _ = json.Marshal(sessionError{Code: errorCode(ev), Message: ev.Reason})
			}
			if err := s.store.UpdateSessionCompleted(ctx, ev.SessionID, ev.Stage, ev.Slot, errData); err != nil {
				logger.Warn("failed to complete session", zap.Error(err))
			}
		case ev.Stage != stage:
			if err := s.store.UpdateSessionStage(ctx, ev.SessionID, ev.Stage); err != nil {
				logger.Warn("failed to update session stage", zap.Error(err))
			}
		}
		stage = ev.Stage
		cancel()

		if err := s.hub.BroadcastJSON(ev.SessionID, ws.NewEventMessage(ev)); err != nil {
			logger.Warn("failed to broadcast event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

// errorCode classifies why a session ended without a booking.
func errorCode(ev domain.SessionEvent) string {
	for _, known := range []struct {
		err  error
		code string
	}{
		{domain.ErrCancelled, "cancelled"},
		{domain.ErrSessionTimeout, "session_timeout"},
		{domain.ErrIncomplete, "incomplete"},
		{domain.ErrInfeasible, "infeasible"},
		{domain.ErrBookingFailed, "booking_failed"},
	} {
		if strings.HasPrefix(ev.Reason, known.err.Error()) {
			return known.code
		}
	}
	return strings.ToLower(string(ev.Stage))
}
