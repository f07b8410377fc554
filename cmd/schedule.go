package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/transport/ws"
)

func newScheduleCmd() *cobra.Command {
	var (
		server      string
		windowStart string
		windowEnd   string
		parties     []string
		venueID     string
		name        string
		minSlot     int
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Start a session and decide on its candidates interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse(time.RFC3339, windowStart)
			if err != nil {
				return fmt.Errorf("--window-start: %w", err)
			}
			end, err := time.Parse(time.RFC3339, windowEnd)
			if err != nil {
				return fmt.Errorf("--window-end: %w", err)
			}

			req := domain.StartSessionRequest{
				Window:         domain.TimeSlot{Start: start, End: end},
				VenueID:        venueID,
				Name:           name,
				MinSlotMinutes: minSlot,
			}
			for _, p := range parties {
				req.Parties = append(req.Parties, domain.PartyID(p))
			}
			return schedule(server, req, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "coordinator base URL")
	cmd.Flags().StringVar(&windowStart, "window-start", "", "window start, RFC 3339")
	cmd.Flags().StringVar(&windowEnd, "window-end", "", "window end, RFC 3339")
	cmd.Flags().StringSliceVar(&parties, "parties", nil, "party IDs (default every registered party)")
	cmd.Flags().StringVar(&venueID, "venue", "", "venue ID (default the server's venue)")
	cmd.Flags().StringVar(&name, "name", "", "reservation name")
	cmd.Flags().IntVar(&minSlot, "min-slot", 0, "minimum slot length in minutes (default the server's)")
	_ = cmd.MarkFlagRequired("window-start")
	_ = cmd.MarkFlagRequired("window-end")
	return cmd
}

func schedule(server string, req domain.StartSessionRequest, in io.Reader, out io.Writer) error {
	resp, err := startSession(server, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s started with %s\n", resp.SessionID, joinParties(resp.Parties))

	client, err := dialSession(server, resp.SessionID, out)
	if err != nil {
		return err
	}
	defer client.Close()
	if client.Ended() {
		return nil
	}

	fmt.Fprintln(out, "Commands: accept [n], reject [n ...], cancel, /quit")
	go client.ReadMessages()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-client.finished:
			return client.Err()
		case <-interrupt:
			fmt.Fprintln(out, "\nInterrupted")
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			if line == "" {
				continue
			}
			if err := client.Decide(line); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func startSession(server string, req domain.StartSessionRequest) (*domain.StartSessionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpResp, err := http.Post(strings.TrimSuffix(server, "/")+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("start session: HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(data)))
	}

	var resp domain.StartSessionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// sessionClient watches one session over the websocket stream.
type sessionClient struct {
	conn      *websocket.Conn
	sessionID string
	out       io.Writer

	writeMu sync.Mutex
	outMu   sync.Mutex

	mu         sync.Mutex
	candidates []domain.TimeSlot
	ended      bool
	err        error

	finished chan struct{}
}

func dialSession(server, sessionID string, out io.Writer) (*sessionClient, error) {
	u, err := url.Parse(strings.TrimSuffix(server, "/") + "/v1/sessions/" + sessionID + "/ws")
	if err != nil {
		return nil, fmt.Errorf("invalid server: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &sessionClient{conn: conn, sessionID: sessionID, out: out, finished: make(chan struct{})}
	if err := c.readHello(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Ended reports whether the session had already ended on connect.
func (c *sessionClient) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *sessionClient) Close() error {
	return c.conn.Close()
}

func (c *sessionClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// readHello reads hello_ack and shows the session as it stood on connect.
func (c *sessionClient) readHello() error {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}
	var ack struct {
		ws.BaseMessage
		Session struct {
			Stage      domain.Stage      `json:"stage"`
			Candidates []domain.TimeSlot `json:"candidates"`
			BookedSlot *domain.TimeSlot  `json:"booked_slot"`
			Reason     string            `json:"reason"`
		} `json:"session"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if ack.Type != ws.TypeHelloAck {
		return fmt.Errorf("expected hello_ack, got: %s", ack.Type)
	}

	c.printf("Connected, session is %s\n", ack.Session.Stage)
	switch {
	case ack.Session.Stage == domain.StageAwaitingConfirmation:
		c.offer(ack.Session.Candidates)
	case ack.Session.Stage.Terminal():
		if ack.Session.BookedSlot != nil {
			c.printf("booked %s\n", ack.Session.BookedSlot)
		} else {
			c.printf("%s\n", ack.Session.Reason)
		}
		c.mu.Lock()
		c.ended = true
		c.mu.Unlock()
	}
	return nil
}

// ReadMessages prints server messages until the session ends.
func (c *sessionClient) ReadMessages() {
	defer close(c.finished)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.mu.Lock()
				c.err = fmt.Errorf("read: %w", err)
				c.mu.Unlock()
			}
			return
		}

		var base ws.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			c.printf("! unreadable message: %v\n", err)
			continue
		}

		switch base.Type {
		case ws.TypeEvent:
			var msg ws.EventMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.printf("! unreadable event: %v\n", err)
				continue
			}
			if c.showEvent(msg.Event) {
				return
			}
		case ws.TypeAck:
			var msg ws.AckMessage
			_ = json.Unmarshal(data, &msg)
			c.printf("ok: %s\n", msg.Decision)
		case ws.TypeError:
			var msg ws.ErrorMessage
			_ = json.Unmarshal(data, &msg)
			c.printf("! %s: %s\n", msg.Code, msg.Message)
		}
	}
}

// showEvent prints ev and reports whether it ended the session.
func (c *sessionClient) showEvent(ev domain.SessionEvent) bool {
	switch ev.Type {
	case domain.EventTypePartialOffer:
		c.printf("  %s: %d free slot(s) so far\n", ev.PartyID, len(ev.Offer.Slots))
	case domain.EventTypeRoundClosed:
		c.printf("[%s] round closed, %d of %d answered\n", ev.Stage, answered(ev.Round), ev.Round.Len())
	case domain.EventTypeCandidatesProposed:
		c.printf("[%s] %d candidate(s)\n", ev.Stage, len(ev.Candidates))
	case domain.EventTypeAwaitingDecision:
		c.offer(ev.Candidates)
	case domain.EventTypeBooked:
		c.printf("[%s] booked %s", ev.Stage, ev.Slot)
		if ev.Booking != nil {
			c.printf(" (reservation %s)", ev.Booking.ReservationID)
		}
		c.printf("\n")
	case domain.EventTypeInfeasible, domain.EventTypeAbandoned:
		c.printf("[%s] %s\n", ev.Stage, ev.Reason)
	default:
		c.printf("[%s] %s\n", ev.Stage, ev.Type)
	}
	return ev.Type.Terminal()
}

func (c *sessionClient) offer(candidates []domain.TimeSlot) {
	c.mu.Lock()
	c.candidates = candidates
	c.mu.Unlock()

	c.printf("Candidates:\n")
	for i, s := range candidates {
		c.printf("  %d) %s\n", i+1, s)
	}
}

// Decide parses and sends one command line.
func (c *sessionClient) Decide(line string) error {
	fields := strings.Fields(line)
	msg := ws.DecisionMessage{BaseMessage: ws.BaseMessage{
		Ts:        time.Now().UnixMilli(),
		SessionID: c.sessionID,
		RequestID: fmt.Sprintf("req_%d", time.Now().UnixNano()),
	}}

	switch fields[0] {
	case "accept", "a":
		msg.Type = ws.TypeAccept
		if len(fields) > 1 {
			slots, err := c.pick(fields[1:2])
			if err != nil {
				return err
			}
			msg.Slot = slots[0]
		}
	case "reject", "r":
		msg.Type = ws.TypeReject
		slots, err := c.pick(fields[1:])
		if err != nil {
			return err
		}
		msg.Slots = slots
	case "cancel", "c":
		msg.Type = ws.TypeCancel
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// pick maps 1-based candidate numbers to slots.
func (c *sessionClient) pick(args []string) ([]domain.TimeSlot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.TimeSlot
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("not a candidate number: %q", a)
		}
		if n < 1 || n > len(c.candidates) {
			return nil, errors.New("no such candidate: " + a)
		}
		out = append(out, c.candidates[n-1])
	}
	return out, nil
}

func (c *sessionClient) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func answered(r *domain.Round) int {
	n := 0
	for _, o := range r.Outcomes() {
		if o.Status == domain.OutcomeAnswered {
			n++
		}
	}
	return n
}

func joinParties(ids []domain.PartyID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}
