package recovery

import (
	"context"
	"encoding/json"
	"testing"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestIngestValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.proc.Ingest(ctx, "unknown", "", []byte(`{}`))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = e.proc.Ingest(ctx, models.WebhookSourceOrderCreated, "", []byte(`{not json`))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	ev, err := e.proc.Ingest(ctx, models.WebhookSourceOrderCreated, "", []byte(`{"order_id": 1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, models.WebhookStatusPending, ev.Status)
}

func TestDuplicateIngestReturnsStoredEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.proc.Ingest(ctx, models.WebhookSourceOrderCreated, "evt-1", []byte(`{"order_id": 1}`))
	require.NoError(t, err)
	second, err := e.proc.Ingest(ctx, models.WebhookSourceOrderCreated, "evt-1", []byte(`{"order_id": 2}`))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"order_id": 1}`, string(second.Payload))
}

func TestRoutingWebhooksDriveTheRouter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addVendors()
	orderID := e.addOrder(models.OrderStatusCreated)

	_, err := e.proc.Ingest(ctx, models.WebhookSourceOrderCreated, "created-1",
		payload(t, models.OrderCreatedPayload{OrderID: orderID}))
	require.NoError(t, err)
	report, err := e.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessReport{Claimed: 1, Completed: 1}, report)

	pending := e.pending(t, orderID)
	require.Len(t, pending, 1)

	// redelivered under a new id: the router answers with a conflict, which is dropped
	_, err = e.proc.Ingest(ctx, models.WebhookSourceOrderCreated, "created-2",
		payload(t, models.OrderCreatedPayload{OrderID: orderID}))
	require.NoError(t, err)

	_, err = e.proc.Ingest(ctx, models.WebhookSourceVendorResponse, "resp-1", payload(t, models.VendorResponsePayload{
		AcceptanceID: pending[0].ID,
		Response:     "accepted",
		ActorID:      "vendor:1",
	}))
	require.NoError(t, err)

	report, err = e.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessReport{Claimed: 2, Completed: 2}, report)

	order, err := e.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, order.Status)

	// a late rejection of the accepted request is stale and completes without effect
	_, err = e.proc.Ingest(ctx, models.WebhookSourceVendorResponse, "resp-2", payload(t, models.VendorResponsePayload{
		AcceptanceID: pending[0].ID,
		Response:     "REJECTED",
		ActorID:      "vendor:1",
	}))
	require.NoError(t, err)
	report, err = e.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	order, err = e.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, order.Status)
}

func TestUnknownAcceptanceFailsTheEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.proc.Ingest(ctx, models.WebhookSourceVendorResponse, "resp-1", payload(t, models.VendorResponsePayload{
		AcceptanceID: "missing",
		Response:     "ACCEPTED",
		ActorID:      "vendor:1",
	}))
	require.NoError(t, err)

	report, err := e.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	ev, err := e.store.GetWebhookEvent(ctx, "resp-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.NotEmpty(t, ev.LastError)
}
