package scoring

import (
	"errors"
	"testing"
	"time"

	"order-routing/config"
	"order-routing/internal/apperrors"
	"order-routing/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScorer() *Scorer {
	return NewScorer(config.StaticTunables{
		Weights:            config.Weights{Price: 0.35, Reliability: 0.30, Proximity: 0.20, Load: 0.15},
		TimeoutWindow:      time.Minute,
		MaxAttempts:        3,
		MinReliability:     40,
		DefaultReliability: 70,
		MaxDistanceKm:      50,
		DefaultCapacity:    10,
	})
}

func offer(id int64, active, capacity int, prices map[int64]string) models.VendorOffer {
	o := models.VendorOffer{
		Vendor: models.Vendor{ID: id, Capacity: capacity, ActiveOrders: active},
		Stock:  map[int64]models.ProductStock{},
	}
	for pid, price := range prices {
		o.Stock[pid] = models.ProductStock{ProductID: pid, Available: 100, UnitPrice: decimal.RequireFromString(price)}
	}
	return o
}

func twoItems() []models.OrderItem {
	return []models.OrderItem{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}}
}

func baseRequest() Request {
	return Request{
		Items: twoItems(),
		Offers: []models.VendorOffer{
			offer(1, 2, 10, map[int64]string{1: "10", 2: "20"}),
			offer(2, 0, 10, map[int64]string{1: "15", 2: "20"}),
			offer(3, 0, 10, map[int64]string{1: "1"}),
			offer(4, 0, 10, map[int64]string{1: "10", 2: "20"}),
		},
		Reliability: map[int64]models.VendorReliability{
			1: {VendorID: 1, OffersReceived: 10, OffersAccepted: 9, OrdersAccepted: 9, OrdersDelivered: 9},
			4: {VendorID: 4, OffersReceived: 10, OffersAccepted: 2, OrdersAccepted: 2, OrdersDelivered: 0},
		},
	}
}

func TestRankComputesWeightedComposite(t *testing.T) {
	candidates, err := testScorer().Rank(baseRequest())
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	first := candidates[0]
	assert.Equal(t, int64(1), first.VendorID)
	assert.Equal(t, 1, first.Rank)
	assert.Equal(t, 100.0, first.PriceScore)
	assert.Equal(t, 95.0, first.ReliabilityScore)
	assert.Equal(t, 50.0, first.ProximityScore)
	assert.Equal(t, 80.0, first.LoadScore)
	assert.InDelta(t, 85.5, first.Composite, 0.001)
	assert.Equal(t, "40.00", first.Total)

	second := candidates[1]
	assert.Equal(t, int64(2), second.VendorID)
	assert.Equal(t, 80.0, second.PriceScore)
	assert.Equal(t, 70.0, second.ReliabilityScore)
	assert.Equal(t, 100.0, second.LoadScore)
	assert.InDelta(t, 74.0, second.Composite, 0.001)
}

func TestRankExcludesPreviouslyTriedVendors(t *testing.T) {
	req := baseRequest()
	req.Exclude = map[int64]bool{1: true}

	candidates, err := testScorer().Rank(req)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(2), candidates[0].VendorID)
	// vendor 2 is now the cheapest eligible vendor
	assert.Equal(t, 100.0, candidates[0].PriceScore)
	assert.InDelta(t, 81.0, candidates[0].Composite, 0.001)
}

func TestRankTieBreaksOnLoadThenVendorID(t *testing.T) {
	prices := map[int64]string{1: "10", 2: "20"}
	req := Request{
		Items: twoItems(),
		Offers: []models.VendorOffer{
			offer(8, 0, 10, prices),
			offer(6, 5, 10, prices),
			offer(5, 2, 4, prices),
			offer(7, 0, 10, prices),
		},
	}

	candidates, err := testScorer().Rank(req)
	require.NoError(t, err)

	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.VendorID
	}
	// 7 and 8 are identical and unloaded; 5 and 6 share a load score of 50
	assert.Equal(t, []int64{7, 8, 5, 6}, ids)
	assert.Equal(t, candidates[2].Composite, candidates[3].Composite)
}

func TestRankProximity(t *testing.T) {
	lat, lng := 0.0, 0.1
	req := Request{
		Items:    twoItems(),
		Offers:   []models.VendorOffer{offer(1, 0, 10, map[int64]string{1: "10", 2: "20"})},
		Retailer: &Location{Lat: 0, Lng: 0},
	}
	req.Offers[0].Lat = &lat
	req.Offers[0].Lng = &lng

	candidates, err := testScorer().Rank(req)
	require.NoError(t, err)
	assert.InDelta(t, 11.12, candidates[0].DistanceKm, 0.01)
	assert.InDelta(t, 77.76, candidates[0].ProximityScore, 0.01)
}

func TestRankOverride(t *testing.T) {
	req := baseRequest()
	req.OverrideVendorID = 4

	candidates, err := testScorer().Rank(req)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(4), candidates[0].VendorID)
	assert.Equal(t, 10.0, candidates[0].ReliabilityScore)

	req.OverrideVendorID = 3
	_, err = testScorer().Rank(req)
	assert.True(t, errors.Is(err, apperrors.ErrNoEligibleVendor))
}

func TestRankNoEligibleVendor(t *testing.T) {
	req := baseRequest()
	req.Items = append(req.Items, models.OrderItem{ProductID: 99, Quantity: 1})

	_, err := testScorer().Rank(req)
	assert.True(t, errors.Is(err, apperrors.ErrNoEligibleVendor))

	_, err = testScorer().Rank(Request{})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestRankPriceBaselineIgnoresUnreliableVendors(t *testing.T) {
	req := Request{
		Items: twoItems(),
		Offers: []models.VendorOffer{
			offer(2, 0, 10, map[int64]string{1: "15", 2: "20"}),
			offer(4, 0, 10, map[int64]string{1: "10", 2: "20"}),
		},
		Reliability: baseRequest().Reliability,
	}

	candidates, err := testScorer().Rank(req)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(2), candidates[0].VendorID)
	assert.Equal(t, 100.0, candidates[0].PriceScore)
	assert.InDelta(t, 81.0, candidates[0].Composite, 0.001)
}

func TestRankReportsExhaustedVendors(t *testing.T) {
	req := baseRequest()
	req.Exclude = map[int64]bool{1: true, 2: true}

	_, err := testScorer().Rank(req)
	assert.True(t, errors.Is(err, apperrors.ErrNoEligibleVendor))
	assert.True(t, errors.Is(err, ErrVendorsExhausted))

	req = baseRequest()
	req.Offers = req.Offers[3:]
	_, err = testScorer().Rank(req)
	assert.True(t, errors.Is(err, apperrors.ErrNoEligibleVendor))
	assert.False(t, errors.Is(err, ErrVendorsExhausted))
	assert.Contains(t, err.Error(), "below reliability")
}

func TestRankIsDeterministic(t *testing.T) {
	a, err := testScorer().Rank(baseRequest())
	require.NoError(t, err)

	req := baseRequest()
	req.Offers[0], req.Offers[1] = req.Offers[1], req.Offers[0]
	b, err := testScorer().Rank(req)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestPlanSplit(t *testing.T) {
	items := []models.OrderItem{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 1},
	}
	offers := []models.VendorOffer{
		offer(3, 0, 10, map[int64]string{2: "5"}),
		offer(2, 0, 10, map[int64]string{3: "5"}),
		offer(1, 0, 10, map[int64]string{1: "5", 2: "5"}),
	}

	groups, err := PlanSplit(items, offers)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "p1_p2", groups[0].Key)
	assert.Equal(t, "p3", groups[1].Key)
	assert.Len(t, groups[0].Items, 2)

	_, err = PlanSplit(append(items, models.OrderItem{ProductID: 42, Quantity: 1}), offers)
	assert.True(t, errors.Is(err, apperrors.ErrNoEligibleVendor))
}
