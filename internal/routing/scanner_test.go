package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepExpiresWithinOneInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := h.threeVendors()

	result, err := h.router.RouteOrder(ctx, orderID, RouteOptions{})
	require.NoError(t, err)
	first := result.Group(models.DefaultGroupKey).Current

	h.clock.Set(first.ExpiresAt.Add(-time.Second))
	report, err := h.scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)

	h.clock.Set(first.ExpiresAt.Add(time.Millisecond))
	report, err = h.scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Found: 1, Expired: 1}, report)

	status, err := h.router.GetVendorAcceptanceStatus(ctx, orderID)
	require.NoError(t, err)
	group := status.Group(models.DefaultGroupKey)
	require.Len(t, group.Attempts, 2)
	assert.Equal(t, models.AcceptanceStatusExpired, group.Attempts[0].Status)
	assert.Equal(t, ScannerActor, group.Attempts[0].RespondedBy)
	assert.Equal(t, int64(2), group.Current.VendorID)

	logs, err := h.router.GetRoutingLogs(ctx, orderID)
	require.NoError(t, err)
	assert.Contains(t, events(logs), models.RoutingEventExpired)

	// the new request is not due yet
	report, err = h.scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)
}

func TestSecondScannerFindsNothingToExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := h.threeVendors()

	result, err := h.router.RouteOrder(ctx, orderID, RouteOptions{})
	require.NoError(t, err)
	first := result.Group(models.DefaultGroupKey).Current

	// a second scanner already expired it
	h.clock.Set(first.ExpiresAt.Add(time.Minute))
	other := NewScanner(h.store, h.router, 10, 1)
	other.Now = h.clock.Now
	report, err := other.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)

	report, err = h.scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)
	assert.Equal(t, 1, pendingCount(t, h, orderID, models.DefaultGroupKey))
}

type blockingHandler struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingHandler) HandleExpired(ctx context.Context, req models.AcceptanceRequest) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil
}

func TestOverlappingSweepReturnsBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := h.threeVendors()
	result, err := h.router.RouteOrder(ctx, orderID, RouteOptions{})
	require.NoError(t, err)
	h.clock.Set(result.Group(models.DefaultGroupKey).Current.ExpiresAt.Add(time.Second))

	handler := &blockingHandler{entered: make(chan struct{}), release: make(chan struct{})}
	scanner := NewScanner(h.store, handler, 10, 2)
	scanner.Now = h.clock.Now

	done := make(chan SweepReport)
	go func() {
		report, _ := scanner.Sweep(ctx)
		done <- report
	}()
	<-handler.entered

	busy, err := scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, busy.Busy)

	close(handler.release)
	assert.Equal(t, 1, (<-done).Expired)
}

type failingHandler struct{}

func (failingHandler) HandleExpired(ctx context.Context, req models.AcceptanceRequest) error {
	return apperrors.Transient("test", errors.New("broker down"))
}

func TestSweepCountsFailuresWithoutAborting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addVendor(1, "10.00", 1)
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, h.addOrder(models.OrderItem{ProductID: 1, Quantity: 1}))
	}
	for _, id := range ids {
		_, err := h.router.RouteOrder(ctx, id, RouteOptions{})
		require.NoError(t, err)
	}
	h.clock.Set(t0.Add(time.Hour))

	scanner := NewScanner(h.store, failingHandler{}, 10, 2)
	scanner.Now = h.clock.Now
	report, err := scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Found: 3, Failed: 3}, report)
}

func TestSweepListFailureIsTransient(t *testing.T) {
	h := newHarness(t)
	h.store.FailNext("ListExpiredPending", errors.New("timeout"))

	_, err := h.scanner.Sweep(context.Background())
	assert.True(t, apperrors.IsRetryable(err))
}
