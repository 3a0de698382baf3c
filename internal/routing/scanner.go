package routing

import (
	"context"
	"sync/atomic"
	"time"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/store"
	"order-routing/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ScannerActor is recorded as the responder of requests the scanner expires.
const ScannerActor = "system:timeout-scanner"

// ExpiryHandler continues routing after a request expired.
type ExpiryHandler interface {
	HandleExpired(ctx context.Context, req models.AcceptanceRequest) error
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Found   int  `json:"found"`
	Expired int  `json:"expired"`
	Skipped int  `json:"skipped"`
	Failed  int  `json:"failed"`
	Busy    bool `json:"busy,omitempty"`
}

// Scanner expires PENDING acceptance requests whose window has passed. Any number
// of scanners may run; the PENDING→EXPIRED compare-and-set lets exactly one of
// them act on each request.
type Scanner struct {
	store       store.AcceptanceStore
	handler     ExpiryHandler
	batchSize   int
	concurrency int
	running     atomic.Bool
	logger      *zap.Logger

	Now func() time.Time
}

func NewScanner(st store.AcceptanceStore, handler ExpiryHandler, batchSize, concurrency int) *Scanner {
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scanner{
		store:       st,
		handler:     handler,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      util.GetLogger(),
		Now:         time.Now,
	}
}

// Sweep handles one batch of expired requests. A sweep that overlaps a running
// one returns immediately with Busy set. Per-request failures are counted in the
// report; only a failure to list requests is returned as an error.
func (s *Scanner) Sweep(ctx context.Context) (SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SweepReport{Busy: true}, nil
	}
	defer s.running.Store(false)

	ctx, span := util.StartSpan(ctx, "Scanner.Sweep")
	defer span.End()
	start := time.Now()
	defer func() { util.TimeoutSweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.Now()
	reqs, err := s.store.ListExpiredPending(ctx, now, s.batchSize)
	if err != nil {
		err = apperrors.Transient("Scanner.Sweep", err)
		util.SpanError(span, err)
		return SweepReport{}, err
	}

	var expired, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			ok, err := s.store.TransitionAcceptance(gctx, req.ID, models.AcceptanceStatusPending,
				models.AcceptanceStatusExpired, ScannerActor, now)
			if err != nil {
				failed.Add(1)
				util.AcceptancesExpiredTotal.WithLabelValues("error").Inc()
				s.logger.Error("Failed to expire acceptance request",
					zap.String("acceptance_id", req.ID),
					zap.Error(err))
				return nil
			}
			if !ok {
				skipped.Add(1)
				util.AcceptancesExpiredTotal.WithLabelValues("skipped").Inc()
				return nil
			}

			req.Status = models.AcceptanceStatusExpired
			if err := s.handler.HandleExpired(gctx, req); err != nil {
				failed.Add(1)
				util.AcceptancesExpiredTotal.WithLabelValues("fallback_failed").Inc()
				s.logger.Error("Fallback after expiry failed",
					zap.String("acceptance_id", req.ID),
					zap.Int64("order_id", req.OrderID),
					zap.String("kind", apperrors.KindOf(err).String()),
					zap.Error(err))
				return nil
			}
			expired.Add(1)
			util.AcceptancesExpiredTotal.WithLabelValues("expired").Inc()
			return nil
		})
	}
	_ = g.Wait()

	report := SweepReport{
		Found:   len(reqs),
		Expired: int(expired.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	span.SetAttributes(
		attribute.Int("sweep.found", report.Found),
		attribute.Int("sweep.expired", report.Expired))
	if report.Found > 0 {
		s.logger.Info("Timeout sweep finished",
			zap.Int("found", report.Found),
			zap.Int("expired", report.Expired),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}
