// Package scoring ranks vendors for a set of requested items.
//
// Each eligible vendor gets four sub-scores in [0,100]: price competitiveness
// against the cheapest eligible vendor, historical reliability, proximity to the
// retailer, and a load score that falls as the vendor's active orders approach
// its capacity. The composite is the weighted sum. Ranking is deterministic:
// composite descending, then fewer active orders, then lower vendor id.
package scoring

import (
	"errors"
	"math"
	"sort"

	"order-routing/config"
	"order-routing/internal/apperrors"
	"order-routing/internal/models"

	"github.com/shopspring/decimal"
)

// ErrVendorsExhausted is wrapped in the NoEligibleVendor error returned when every
// vendor able to fulfil the items has already been tried.
var ErrVendorsExhausted = errors.New("every stocking vendor was already tried")

// Location is a point on earth in decimal degrees.
type Location struct {
	Lat float64
	Lng float64
}

// Request describes one scoring pass.
type Request struct {
	Items       []models.OrderItem
	Offers      []models.VendorOffer
	Reliability map[int64]models.VendorReliability
	Retailer    *Location
	// Exclude drops vendors that were already tried for this group.
	Exclude map[int64]bool
	// OverrideVendorID bypasses the reliability threshold for that vendor and
	// returns only it. The stock check still applies.
	OverrideVendorID int64
}

// Scorer ranks vendors using the tunables in effect at call time.
type Scorer struct {
	tunables config.TunablesSource
}

func NewScorer(tunables config.TunablesSource) *Scorer {
	return &Scorer{tunables: tunables}
}

// Rank returns the eligible vendors best-first.
func (s *Scorer) Rank(req Request) ([]models.VendorCandidate, error) {
	const op = "Scorer.Rank"
	if len(req.Items) == 0 {
		return nil, apperrors.Validation(op, "no items to score")
	}
	t := s.tunables.Current()
	weights := t.Weights.Normalized()

	type eligible struct {
		offer       models.VendorOffer
		total       decimal.Decimal
		reliability float64
		distance    float64
		hasDist     bool
	}

	var pool []eligible
	tried, unreliable := 0, 0
	for _, offer := range req.Offers {
		if req.OverrideVendorID != 0 && offer.ID != req.OverrideVendorID {
			continue
		}
		if !offer.Covers(req.Items) {
			continue
		}
		if req.Exclude[offer.ID] {
			tried++
			continue
		}
		reliability := reliabilityScore(req.Reliability[offer.ID], t.DefaultReliability)
		if reliability < t.MinReliability && req.OverrideVendorID == 0 {
			unreliable++
			continue
		}
		e := eligible{offer: offer, total: offerTotal(offer, req.Items), reliability: reliability}
		if req.Retailer != nil && offer.Lat != nil && offer.Lng != nil {
			e.distance = haversineKm(*req.Retailer, Location{Lat: *offer.Lat, Lng: *offer.Lng})
			e.hasDist = true
		}
		pool = append(pool, e)
	}

	if len(pool) == 0 {
		switch {
		case req.OverrideVendorID != 0:
			return nil, apperrors.NoEligibleVendor(op, "override vendor %d cannot fulfil the items", req.OverrideVendorID)
		case tried > 0:
			return nil, &apperrors.Error{Kind: apperrors.KindNoEligibleVendor, Op: op, Err: ErrVendorsExhausted}
		case unreliable > 0:
			return nil, apperrors.NoEligibleVendor(op, "all stocking vendors are below reliability %.0f", t.MinReliability)
		}
		return nil, apperrors.NoEligibleVendor(op, "no vendor stocks all %d requested items", len(req.Items))
	}

	cheapest := pool[0].total
	for _, e := range pool[1:] {
		if e.total.LessThan(cheapest) {
			cheapest = e.total
		}
	}

	candidates := make([]models.VendorCandidate, 0, len(pool))
	for _, e := range pool {
		c := models.VendorCandidate{
			VendorID:         e.offer.ID,
			VendorName:       e.offer.Name,
			PriceScore:       priceScore(cheapest, e.total),
			ReliabilityScore: round2(e.reliability),
			ProximityScore:   50,
			LoadScore:        loadScore(e.offer.ActiveOrders, e.offer.Capacity, t.DefaultCapacity),
			ActiveOrders:     e.offer.ActiveOrders,
			Total:            e.total.StringFixed(2),
		}
		if e.hasDist {
			c.DistanceKm = round2(e.distance)
			c.ProximityScore = proximityScore(e.distance, t.MaxDistanceKm)
		}
		c.Composite = round2(weights.Price*c.PriceScore +
			weights.Reliability*c.ReliabilityScore +
			weights.Proximity*c.ProximityScore +
			weights.Load*c.LoadScore)
		candidates = append(candidates, c)
	}

	SortCandidates(candidates)
	return candidates, nil
}

// SortCandidates orders candidates best-first and assigns ranks.
func SortCandidates(candidates []models.VendorCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.ActiveOrders != b.ActiveOrders {
			return a.ActiveOrders < b.ActiveOrders
		}
		return a.VendorID < b.VendorID
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
}

func offerTotal(offer models.VendorOffer, items []models.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		st := offer.Stock[item.ProductID]
		total = total.Add(st.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

func priceScore(cheapest, total decimal.Decimal) float64 {
	if !total.IsPositive() {
		return 100
	}
	ratio, _ := cheapest.Div(total).Float64()
	return clamp(round2(100 * ratio))
}

func reliabilityScore(r models.VendorReliability, fallback float64) float64 {
	if r.OffersReceived == 0 && r.OrdersAccepted == 0 {
		return fallback
	}
	acceptRate := fallback / 100
	if r.OffersReceived > 0 {
		acceptRate = float64(r.OffersAccepted) / float64(r.OffersReceived)
	}
	deliverRate := fallback / 100
	if r.OrdersAccepted > 0 {
		deliverRate = float64(r.OrdersDelivered) / float64(r.OrdersAccepted)
	}
	return clamp(100 * (0.5*acceptRate + 0.5*deliverRate))
}

func proximityScore(distanceKm, maxKm float64) float64 {
	if maxKm <= 0 {
		return 50
	}
	return clamp(round2(100 * math.Max(0, 1-distanceKm/maxKm)))
}

func loadScore(active, capacity, defaultCapacity int) float64 {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity <= 0 {
		return 100
	}
	used := active
	if used > capacity {
		used = capacity
	}
	if used < 0 {
		used = 0
	}
	return clamp(round2(100 * (1 - float64(used)/float64(capacity))))
}

const earthRadiusKm = 6371.0

func haversineKm(a, b Location) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
