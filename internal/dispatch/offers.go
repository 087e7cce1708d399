package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

// errSuperseded aborts a request mutation whose precondition no longer
// holds: somebody else moved the request first and the caller's step is
// a no-op, not a failure.
var errSuperseded = errors.New("request state superseded")

// offerNext advances the episode: pick the best untried candidate and
// put a time-bounded offer in front of them. Within an episode offers
// are strictly sequential; a new candidate is never contacted before
// the previous one's outcome is known.
func (e *Engine) offerNext(ctx context.Context, requestID string) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		// Likely already cancelled or handled; the episode just ends.
		e.endEpisode(requestID)
		return ErrRequestNotFound
	}
	if err != nil {
		e.endEpisode(requestID)
		return err
	}
	if req.Status != models.RequestPending {
		e.endEpisode(requestID)
		return nil
	}

	now := time.Now()
	cand, score, ok := matcher.SelectWithFallback(req, e.pool.Snapshot(), e.cfg.SearchRadiusKm, now)
	if !ok {
		e.scheduleRetry(requestID)
		return ErrNoDriverAvailable
	}

	expiresAt := now.Add(e.cfg.OfferWindow)
	_, err = e.store.UpdateRequest(ctx, requestID, func(r *models.Request) error {
		if r.Status != models.RequestPending {
			return errSuperseded
		}
		r.Status = models.RequestOffered
		r.OfferedToDriverID = cand.ID
		r.OfferExpiresAt = &expiresAt
		return nil
	})
	if errors.Is(err, errSuperseded) {
		e.endEpisode(requestID)
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		e.endEpisode(requestID)
		return ErrRequestNotFound
	}
	if err != nil {
		e.endEpisode(requestID)
		return err
	}

	offer := e.buildOffer(req, cand, expiresAt)
	if err := e.store.PutOffer(ctx, &offer); err != nil {
		// The request document is authoritative; the offer record is
		// what the driver app renders, so log loudly but keep going.
		e.log.Warn("write offer record", "request_id", requestID, "driver_id", cand.ID, "error", err)
	}
	if e.Notifier != nil {
		if err := e.Notifier.OfferCreated(cand.ID, offer); err != nil {
			e.log.Debug("offer push", "driver_id", cand.ID, "error", err)
		}
	}

	e.mu.Lock()
	if old, exists := e.offerTimers[requestID]; exists {
		old.Stop()
	}
	e.offerTimers[requestID] = time.AfterFunc(e.cfg.OfferWindow, func() {
		e.offerExpired(requestID, cand.ID)
	})
	e.mu.Unlock()

	observability.OffersSent.Inc()
	e.log.Info("offer sent",
		"request_id", requestID,
		"driver_id", cand.ID,
		"distance_km", score.DistanceKm,
		"score", score.Total,
		"expires_at", expiresAt)
	return nil
}

func (e *Engine) buildOffer(req *models.Request, cand models.Driver, expiresAt time.Time) models.Offer {
	o := models.Offer{
		ID:                   models.OfferID(req.ID, cand.ID),
		RequestID:            req.ID,
		DriverID:             cand.ID,
		PassengerID:          req.PassengerID,
		PassengerName:        req.PassengerName,
		Pickup:               req.Pickup,
		Destination:          req.Destination,
		ServiceClass:         req.ServiceClass,
		EstimatedPrice:       req.EstimatedPrice,
		EstimatedDistanceKm:  req.EstimatedDistanceKm,
		EstimatedDurationMin: req.EstimatedDurationMin,
		Status:               models.OfferPending,
		ExpiresAt:            expiresAt,
		CreatedAt:            time.Now(),
	}
	if cand.Location != nil {
		o.PickupETASeconds = e.ETA.Seconds(*cand.Location, req.Pickup.Location)
	}
	return o
}

// offerExpired fires when the offer window elapses with no response. If
// the request is still offered to that driver it reverts to pending,
// the driver joins the exclusion set, and the cascade recurses. Any
// other state means the timer lost a race and this is a no-op.
func (e *Engine) offerExpired(requestID, driverID string) {
	e.mu.Lock()
	delete(e.offerTimers, requestID)
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	_, err := e.store.UpdateRequest(ctx, requestID, revertOffer(driverID))
	if errors.Is(err, errSuperseded) {
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		e.endEpisode(requestID)
		return
	}
	if err != nil {
		e.log.Warn("revert expired offer", "request_id", requestID, "error", err)
		e.endEpisode(requestID)
		return
	}

	if err := e.store.UpdateOfferStatus(ctx, requestID, driverID, models.OfferExpired); err != nil {
		e.log.Debug("mark offer expired", "request_id", requestID, "error", err)
	}
	observability.OffersExpired.Inc()
	e.log.Info("offer expired", "request_id", requestID, "driver_id", driverID)

	if err := e.offerNext(ctx, requestID); err != nil && !errors.Is(err, ErrNoDriverAvailable) {
		e.log.Warn("cascade after expiry", "request_id", requestID, "error", err)
	}
}

// DeclineOffer is the synchronous twin of the expiry branch: cancel the
// timer, record the decline, revert the request and cascade to the next
// candidate. A stale decline for a superseded offer is a no-op.
func (e *Engine) DeclineOffer(ctx context.Context, requestID, driverID string) error {
	e.cancelOfferTimer(requestID)

	if err := e.store.UpdateOfferStatus(ctx, requestID, driverID, models.OfferDeclined); err != nil {
		e.log.Debug("mark offer declined", "request_id", requestID, "error", err)
	}

	_, err := e.store.UpdateRequest(ctx, requestID, revertOffer(driverID))
	if errors.Is(err, errSuperseded) {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrRequestNotFound
	}
	if err != nil {
		return err
	}

	observability.OffersDeclined.Inc()
	e.log.Info("offer declined", "request_id", requestID, "driver_id", driverID)

	// The engine may have restarted since the offer went out; make sure
	// an episode exists before cascading.
	e.mu.Lock()
	if _, busy := e.processing[requestID]; !busy {
		e.processing[requestID] = struct{}{}
		observability.EpisodesActive.Inc()
	}
	e.mu.Unlock()

	if err := e.offerNext(ctx, requestID); err != nil && !errors.Is(err, ErrNoDriverAvailable) {
		return err
	}
	return nil
}

// revertOffer returns the mutation that moves an offered request back
// to pending and grows its exclusion set. The set only grows within an
// episode; a driver who declined or timed out is never re-offered the
// same request until a fresh episode starts.
func revertOffer(driverID string) func(*models.Request) error {
	return func(r *models.Request) error {
		if r.Status != models.RequestOffered || r.OfferedToDriverID != driverID {
			return errSuperseded
		}
		r.Status = models.RequestPending
		r.OfferedToDriverID = ""
		r.OfferExpiresAt = nil
		for _, id := range r.DeclinedByDriverIDs {
			if id == driverID {
				return nil
			}
		}
		r.DeclinedByDriverIDs = append(r.DeclinedByDriverIDs, driverID)
		return nil
	}
}

// scheduleRetry parks an exhausted episode: the request stays pending
// and exactly one backoff timer re-runs the whole episode later.
func (e *Engine) scheduleRetry(requestID string) {
	e.mu.Lock()
	if _, exists := e.retryTimers[requestID]; exists {
		e.mu.Unlock()
		return
	}
	e.retryTimers[requestID] = time.AfterFunc(e.cfg.RetryBackoff, func() {
		e.retryEpisode(requestID)
	})
	e.mu.Unlock()

	observability.NoDriverRetries.Inc()
	e.log.Info("no driver available, retry scheduled",
		"request_id", requestID, "backoff", e.cfg.RetryBackoff)
}

// retryEpisode starts a fresh episode after the no-driver backoff. The
// persisted exclusion set resets: drivers who declined last time are
// fair candidates again.
func (e *Engine) retryEpisode(requestID string) {
	e.mu.Lock()
	delete(e.retryTimers, requestID)
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	_, err := e.store.UpdateRequest(ctx, requestID, func(r *models.Request) error {
		if r.Status != models.RequestPending {
			return errSuperseded
		}
		r.DeclinedByDriverIDs = nil
		r.OfferedToDriverID = ""
		r.OfferExpiresAt = nil
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSuperseded) && !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("reset episode", "request_id", requestID, "error", err)
		}
		e.endEpisode(requestID)
		return
	}

	if err := e.offerNext(ctx, requestID); err != nil && !errors.Is(err, ErrNoDriverAvailable) {
		e.log.Warn("retry episode", "request_id", requestID, "error", err)
	}
}
