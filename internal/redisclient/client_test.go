package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"order-routing/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls int
	data  map[int64]models.VendorReliability
}

func (s *countingSource) VendorReliability(ctx context.Context, ids []int64) (map[int64]models.VendorReliability, error) {
	s.calls++
	out := make(map[int64]models.VendorReliability)
	for _, id := range ids {
		if r, ok := s.data[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func testClient(t *testing.T) *Client {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis (set TEST_REDIS_ADDR)")
	}
	c, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReliabilityCacheReadsThrough(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	require.NoError(t, c.GetClient().Del(ctx, reliabilityKey(901), reliabilityKey(902)).Err())

	src := &countingSource{data: map[int64]models.VendorReliability{
		901: {VendorID: 901, OffersReceived: 5, OffersAccepted: 4},
	}}
	cache := NewReliabilityCache(c, src, time.Minute)

	first, err := cache.VendorReliability(ctx, []int64{901, 902})
	require.NoError(t, err)
	assert.Equal(t, 4, first[901].OffersAccepted)
	assert.Equal(t, 1, src.calls)

	second, err := cache.VendorReliability(ctx, []int64{901, 902})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls, "second read is served from redis")
}

func TestLeaseIsExclusive(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	release, ok, err := c.TryLease(ctx, "test-sweep", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.TryLease(ctx, "test-sweep", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := c.TryLease(ctx, "test-sweep", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
