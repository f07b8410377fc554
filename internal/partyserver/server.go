// Package partyserver serves the remote party HTTP binding from a calendar.
//
// It answers POST /availability with a single JSON offer, or, when the
// client accepts text/event-stream, with one partial event per day of the
// window followed by a final offer.
package partyserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/adapter/partyclient"
	"github.com/xiaot623/huddle/internal/domain"
)

// Options tunes how the party answers.
type Options struct {
	// Latency delays the answer, and each streamed partial.
	Latency time.Duration
	// EndWithDone closes streams with a done event instead of a final offer.
	EndWithDone bool
}

// Server is a stub party.
type Server struct {
	name     string
	calendar partyclient.Calendar
	opts     Options
	logger   *zap.Logger
}

// New creates a party named name answering from cal.
func New(name string, cal partyclient.Calendar, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{name: name, calendar: cal, opts: opts, logger: logger.With(zap.String("party", name))}
}

// Echo returns the configured router.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "party": s.name})
	})
	e.POST("/availability", s.HandleAvailability)
	return e
}

// HandleAvailability answers POST /availability.
func (s *Server) HandleAvailability(c echo.Context) error {
	var req domain.AvailabilityRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if !req.Query.Window.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "query.window is invalid"})
	}
	if req.PartyID == "" {
		req.PartyID = domain.PartyID(s.name)
	}

	s.logger.Info("availability requested",
		zap.String("request_id", req.RequestID),
		zap.String("window", req.Query.Window.String()),
	)

	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream") {
		return s.stream(c, req)
	}

	if !s.wait(c) {
		return nil
	}
	slots, err := s.calendar.Availability(c.Request().Context(), req.Query.Window)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, domain.AvailabilityOffer{PartyID: req.PartyID, Slots: slots, AsOf: time.Now()})
}

func (s *Server) stream(c echo.Context, req domain.AvailabilityRequest) error {
	ctx := c.Request().Context()

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	s.flush(c)

	var all []domain.TimeSlot
	for _, day := range partyclient.SplitByDay(req.Query.Window) {
		if !s.wait(c) {
			return nil
		}
		slots, err := s.calendar.Availability(ctx, day)
		if err != nil {
			return s.send(c, domain.SSEEventError, domain.ErrorEventData{Code: "calendar", Message: err.Error()})
		}
		if len(slots) == 0 {
			continue
		}
		all = append(all, slots...)
		if err := s.send(c, domain.SSEEventPartial, domain.AvailabilityOffer{PartyID: req.PartyID, Slots: slots, AsOf: time.Now()}); err != nil {
			return err
		}
	}

	if s.opts.EndWithDone {
		return s.send(c, domain.SSEEventDone, struct{}{})
	}
	return s.send(c, domain.SSEEventFinal, domain.AvailabilityOffer{
		PartyID: req.PartyID,
		Slots:   domain.NormalizeSlots(all),
		AsOf:    time.Now(),
	})
}

// send writes one event in SSE format.
func (s *Server) send(c echo.Context, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flush(c)
	return nil
}

func (s *Server) flush(c echo.Context) {
	if flusher, ok := c.Response().Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

// wait sleeps for the configured latency; false means the client went away.
func (s *Server) wait(c echo.Context) bool {
	if s.opts.Latency <= 0 {
		return true
	}
	timer := time.NewTimer(s.opts.Latency)
	defer timer.Stop()
	select {
	case <-c.Request().Context().Done():
		return false
	case <-timer.C:
		return true
	}
}
