package v1

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/partyserver"
	"github.com/xiaot623/huddle/internal/service"
)

func registerParties(t *testing.T, svc *service.Service) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.RegisterParty(ctx, "alice", "Alice", partyURL(t, "alice", partyserver.Options{}, hours(9, 0, 10, 0)), domain.DeliverySingleShot)
	require.NoError(t, err)
	_, err = svc.RegisterParty(ctx, "bob", "Bob", partyURL(t, "bob", partyserver.Options{}, hours(9, 30, 11, 0)), domain.DeliveryStreaming)
	require.NoError(t, err)
}

func startSession(t *testing.T, h *Handler, body string) domain.StartSessionResponse {
	t.Helper()
	rec := call(t, h.StartSession, http.MethodPost, "/v1/sessions", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp domain.StartSessionResponse
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.SessionID)
	return resp
}

func TestStartSessionValidation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	for _, body := range []string{
		`{`,
		`{"window":{"start":"2026-10-19T11:00:00Z","end":"2026-10-19T09:00:00Z"}}`,
		`{}`,
	} {
		rec := call(t, h.StartSession, http.MethodPost, "/v1/sessions", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestStartSessionWithoutParties(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := call(t, h.StartSession, http.MethodPost, "/v1/sessions", `{"window":`+window+`}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h.StartSession, http.MethodPost, "/v1/sessions", `{"window":`+window+`,"parties":["nobody"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionBookedThroughAPI(t *testing.T) {
	h, svc, db := newTestHandler(t)
	registerParties(t, svc)

	resp := startSession(t, h, `{"window":`+window+`,"name":"practice"}`)
	assert.Equal(t, domain.StageGathering, resp.Stage)
	assert.ElementsMatch(t, []domain.PartyID{"alice", "bob"}, resp.Parties)

	snap := waitStage(t, h, resp.SessionID, domain.StageAwaitingConfirmation)
	require.Len(t, snap.Candidates, 1)
	assert.True(t, snap.Candidates[0].Equal(hours(9, 30, 10, 0)))
	assert.Equal(t, "jam-spot", snap.VenueID)

	rec := call(t, h.AcceptCandidate, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/accept", "", "id", resp.SessionID)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	snap = waitStage(t, h, resp.SessionID, domain.StageCompleted)
	require.NotNil(t, snap.BookedSlot)
	assert.True(t, snap.BookedSlot.Equal(hours(9, 30, 10, 0)))

	reservations, err := db.ListReservations(context.Background(), "jam-spot", domain.TimeSlot{})
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, "practice", reservations[0].Name)

	// A finished session refuses further decisions.
	rec = call(t, h.CancelSession, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/cancel", "", "id", resp.SessionID)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAcceptWhileGatheringConflicts(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	url := partyURL(t, "slow", partyserver.Options{Latency: 300 * time.Millisecond}, hours(9, 0, 10, 0))
	_, err := svc.RegisterParty(context.Background(), "slow", "", url, domain.DeliverySingleShot)
	require.NoError(t, err)

	resp := startSession(t, h, `{"window":`+window+`}`)

	rec := call(t, h.AcceptCandidate, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/accept", "", "id", resp.SessionID)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, h.CancelSession, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/cancel", "", "id", resp.SessionID)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	snap := waitStage(t, h, resp.SessionID, domain.StageAbandoned)
	assert.Equal(t, domain.ErrCancelled.Error(), snap.Reason)
}

func TestAcceptRejectsUnofferedSlot(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	registerParties(t, svc)

	resp := startSession(t, h, `{"window":`+window+`}`)
	waitStage(t, h, resp.SessionID, domain.StageAwaitingConfirmation)

	body := `{"slot":{"start":"2026-10-19T10:00:00Z","end":"2026-10-19T10:30:00Z"}}`
	rec := call(t, h.AcceptCandidate, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/accept", body, "id", resp.SessionID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h.AcceptCandidate, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/accept", `{"slot":`, "id", resp.SessionID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRejectEndsInfeasible(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	registerParties(t, svc)

	resp := startSession(t, h, `{"window":`+window+`}`)
	waitStage(t, h, resp.SessionID, domain.StageAwaitingConfirmation)

	rec := call(t, h.RejectCandidates, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/reject", "", "id", resp.SessionID)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	waitStage(t, h, resp.SessionID, domain.StageInfeasible)
}

func TestSessionNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := call(t, h.GetSession, http.MethodGet, "/v1/sessions/sess_missing", "", "id", "sess_missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h.AcceptCandidate, http.MethodPost, "/v1/sessions/sess_missing/accept", "", "id", "sess_missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h.GetSessionEvents, http.MethodGet, "/v1/sessions/sess_missing/events", "", "id", "sess_missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionEvents(t *testing.T) {
	h, svc, db := newTestHandler(t)
	registerParties(t, svc)

	resp := startSession(t, h, `{"window":`+window+`}`)
	waitStage(t, h, resp.SessionID, domain.StageAwaitingConfirmation)
	rec := call(t, h.CancelSession, http.MethodPost, "/v1/sessions/"+resp.SessionID+"/cancel", "", "id", resp.SessionID)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		events, err := db.GetEvents(context.Background(), resp.SessionID, 0, []string{string(domain.EventTypeAbandoned)}, 10)
		return err == nil && len(events) == 1
	}, 5*time.Second, 20*time.Millisecond)

	target := "/v1/sessions/" + resp.SessionID + "/events"
	rec = call(t, h.GetSessionEvents, http.MethodGet, target, "", "id", resp.SessionID)
	require.Equal(t, http.StatusOK, rec.Code)
	var all struct {
		Events []domain.Event `json:"events"`
	}
	decode(t, rec, &all)
	require.NotEmpty(t, all.Events)
	assert.Equal(t, domain.EventTypeSessionStarted, all.Events[0].Type)

	types := make(map[domain.EventType]bool)
	for _, ev := range all.Events {
		types[ev.Type] = true
	}
	for _, want := range []domain.EventType{
		domain.EventTypeRoundClosed,
		domain.EventTypeCandidatesProposed,
		domain.EventTypeAwaitingDecision,
		domain.EventTypeSessionCancelled,
		domain.EventTypeAbandoned,
	} {
		assert.True(t, types[want], "missing %s", want)
	}

	rec = call(t, h.GetSessionEvents, http.MethodGet, target+"?types=abandoned,round_closed&limit=5", "", "id", resp.SessionID)
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered struct {
		Events []domain.Event `json:"events"`
	}
	decode(t, rec, &filtered)
	require.Len(t, filtered.Events, 2)
	assert.Equal(t, domain.EventTypeRoundClosed, filtered.Events[0].Type)
	assert.Equal(t, domain.EventTypeAbandoned, filtered.Events[1].Type)
}
