package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/routing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	routeOpts routing.RouteOptions
	routeErr  error
	result    *routing.RoutingResult

	respondArgs []string
	logs        []models.RoutingLogEntry
}

func (f *fakeRouter) RouteOrder(ctx context.Context, orderID int64, opts routing.RouteOptions) (*routing.RoutingResult, error) {
	f.routeOpts = opts
	return f.result, f.routeErr
}

func (f *fakeRouter) HandleVendorResponse(ctx context.Context, acceptanceID, response, actorID string) (*routing.RoutingResult, error) {
	f.respondArgs = []string{acceptanceID, response, actorID}
	return f.result, nil
}

func (f *fakeRouter) TriggerFallback(ctx context.Context, orderID int64, actorID string) (*routing.RoutingResult, error) {
	return f.result, nil
}

func (f *fakeRouter) GetRoutingLogs(ctx context.Context, orderID int64) ([]models.RoutingLogEntry, error) {
	if orderID == 404 {
		return nil, apperrors.NotFound("test", "order %d", orderID)
	}
	return f.logs, nil
}

func (f *fakeRouter) GetVendorAcceptanceStatus(ctx context.Context, orderID int64) (*routing.RoutingResult, error) {
	return f.result, nil
}

type fakeInbox struct {
	source, eventID string
	err             error
}

func (f *fakeInbox) Ingest(ctx context.Context, source, eventID string, payload []byte) (*models.WebhookEvent, error) {
	f.source, f.eventID = source, eventID
	if f.err != nil {
		return nil, f.err
	}
	return &models.WebhookEvent{ID: eventID, Source: source, Status: models.WebhookStatusPending}, nil
}

type fakeDeadLetters struct {
	jobs      []models.DeadLetterJob
	replayErr error
}

func (f *fakeDeadLetters) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterJob, error) {
	return f.jobs, nil
}

func (f *fakeDeadLetters) ReplayDeadLetter(ctx context.Context, id string) (*models.DeadLetterJob, error) {
	if f.replayErr != nil {
		return nil, f.replayErr
	}
	return &models.DeadLetterJob{ID: id}, nil
}

type testServer struct {
	engine      *gin.Engine
	handler     *Handler
	router      *fakeRouter
	inbox       *fakeInbox
	deadLetters *fakeDeadLetters
}

func newTestServer() *testServer {
	gin.SetMode(gin.TestMode)
	s := &testServer{
		router: &fakeRouter{result: &routing.RoutingResult{
			OrderID:     1,
			OrderStatus: models.OrderStatusVendorAssigned,
		}},
		inbox:       &fakeInbox{},
		deadLetters: &fakeDeadLetters{},
	}
	s.handler = NewHandler(s.router, s.inbox, s.deadLetters, []string{"*"})
	s.engine = gin.New()
	s.handler.SetupRoutes(s.engine)
	return s
}

func (s *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRouteOrder(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/orders/1/route", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "VENDOR_ASSIGNED", decode(t, w)["order_status"])

	w = s.do(http.MethodPost, "/api/v1/orders/1/route",
		`{"override_vendor_id": 9, "override_by": "ops", "override_reason": "contract"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(9), s.router.routeOpts.OverrideVendorID)
	assert.Equal(t, "ops", s.router.routeOpts.OverrideBy)

	w = s.do(http.MethodPost, "/api/v1/orders/abc/route", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/orders/1/route", `{"allow_split": "yes"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteOrderConflictCarriesState(t *testing.T) {
	s := newTestServer()
	s.router.routeErr = apperrors.Conflict("test", "order 1 is VENDOR_ASSIGNED")

	w := s.do(http.MethodPost, "/api/v1/orders/1/route", "")
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ConcurrencyConflict", body["kind"])
	state, ok := body["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "VENDOR_ASSIGNED", state["order_status"])
}

func TestRespond(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/acceptances/acc-1/respond", `{"response": "accepted", "actor_id": "vendor:2"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"acc-1", "accepted", "vendor:2"}, s.router.respondArgs)

	w = s.do(http.MethodPost, "/api/v1/acceptances/acc-1/respond", `{"response": "accepted"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFallbackRequiresActor(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/orders/1/fallback", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/orders/1/fallback", `{"actor_id": "admin:1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutingLogs(t *testing.T) {
	s := newTestServer()
	s.router.logs = []models.RoutingLogEntry{{ID: "l1", OrderID: 1, Event: models.RoutingEventAssigned}}

	w := s.do(http.MethodGet, "/api/v1/orders/1/routing-logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	logs, ok := decode(t, w)["logs"].([]any)
	require.True(t, ok)
	assert.Len(t, logs, 1)

	w = s.do(http.MethodGet, "/api/v1/orders/404/routing-logs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestWebhook(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/webhooks/vendor_response", `{"acceptance_id": "a"}`, "X-Event-ID", "evt-9")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "vendor_response", s.inbox.source)
	assert.Equal(t, "evt-9", s.inbox.eventID)

	s.do(http.MethodPost, "/api/v1/webhooks/vendor_response", `{}`, "Idempotency-Key", "key-1")
	assert.Equal(t, "key-1", s.inbox.eventID)

	s.inbox.err = apperrors.Validation("test", "unknown webhook source")
	w = s.do(http.MethodPost, "/api/v1/webhooks/nope", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeadLetters(t *testing.T) {
	s := newTestServer()
	s.deadLetters.jobs = []models.DeadLetterJob{{ID: "dl-1", SourceType: models.DeadLetterSourceWebhook}}

	w := s.do(http.MethodGet, "/api/v1/dead-letters?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	jobs, ok := decode(t, w)["dead_letters"].([]any)
	require.True(t, ok)
	assert.Len(t, jobs, 1)

	w = s.do(http.MethodGet, "/api/v1/dead-letters?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/dead-letters/dl-1/replay", "")
	assert.Equal(t, http.StatusOK, w.Code)

	s.deadLetters.replayErr = apperrors.Conflict("test", "already replayed")
	w = s.do(http.MethodPost, "/api/v1/dead-letters/dl-1/replay", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NotContains(t, decode(t, w), "state")
}

func TestReadiness(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	s.handler.AddReadinessCheck("database", func(ctx context.Context) error { return errors.New("connection refused") })
	w = s.do(http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")

	w = s.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:          apperrors.Validation("op", "bad"),
		http.StatusNotFound:            apperrors.NotFound("op", "missing"),
		http.StatusConflict:            apperrors.Conflict("op", "raced"),
		http.StatusUnprocessableEntity: apperrors.NoEligibleVendor("op", "none"),
		http.StatusServiceUnavailable:  errors.New("dial tcp: refused"),
	}
	for want, err := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(apperrors.Permanent("op", "broken")))
}
