// Package sync provides the orchestrator that drains the local submission
// queue to the central service.
//
// The engine never deletes queue work on failure. Transient failures schedule
// a retry with capped exponential backoff, server rejections abandon the
// record, and anything cut off mid-flight is recovered after its lease
// expires. Because every submission carries its local id as an idempotency
// key, redelivering after an ambiguous failure cannot create a duplicate
// ticket.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/openvmc/fieldreport/internal/api"
	"github.com/openvmc/fieldreport/internal/logger"
	"github.com/openvmc/fieldreport/internal/queue"
)

// Submitter is the slice of the service client the engine needs.
type Submitter interface {
	SubmitReport(ctx context.Context, req api.SubmitRequest) (*api.SubmitResponse, error)
	UploadAttachment(ctx context.Context, ticketNumber, contentType string, data []byte) error
}

// Config holds the engine's retry and lease policy.
type Config struct {
	// Owner identifies this engine instance in queue leases.
	Owner string
	// MaxAttempts is the delivery budget per record before abandonment.
	MaxAttempts int
	// BackoffBase and BackoffCap bound the retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// LeaseFor is how long a claim on a record lasts. A crashed or hung
	// attempt becomes retryable once the lease expires.
	LeaseFor time.Duration
	// Clock defaults to the system clock.
	Clock Clock
}

func (c *Config) applyDefaults() {
	if c.Owner == "" {
		c.Owner = "engine"
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 8
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.LeaseFor == 0 {
		c.LeaseFor = 2 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
}

// Stats summarizes one drain cycle.
type Stats struct {
	Synced      int // records that received a ticket this cycle
	Uploaded    int // attachments delivered this cycle
	Failed      int // transient failures, retry scheduled
	Abandoned   int // records moved to the terminal state
	Quarantined int // unreadable records set aside
	Skipped     int // records another instance holds a lease on
}

// Engine drains the queue against the central service.
type Engine struct {
	store  *queue.Store
	client Submitter
	cfg    Config
}

// NewEngine creates a drain engine over the given store and client.
func NewEngine(store *queue.Store, client Submitter, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{store: store, client: client, cfg: cfg}
}

// DrainOnce runs a single drain cycle: every eligible record is attempted
// once, oldest first. Per-record failures are absorbed into the returned
// stats; only storage errors and context cancellation abort the cycle.
func (e *Engine) DrainOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	now := e.cfg.Clock.Now()
	records, corruptIDs, err := e.store.QueryPending(now)
	if err != nil {
		return stats, fmt.Errorf("failed to query pending records: %w", err)
	}

	for _, id := range corruptIDs {
		logger.Warn("sync: quarantining unreadable record %s", id)
		if err := e.store.Quarantine(id, "payload unreadable, record quarantined"); err != nil {
			return stats, fmt.Errorf("failed to quarantine record %s: %w", id, err)
		}
		stats.Quarantined++
	}

	if len(records) == 0 {
		logger.Debug("sync: nothing to drain")
		return stats, nil
	}

	logger.Debug("sync: draining %d records", len(records))

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			// Leave the rest for the next cycle. Anything already
			// claimed recovers via lease expiry.
			return stats, err
		}

		if rec.Status == queue.StatusSynced {
			e.drainAttachment(ctx, rec, &stats)
		} else {
			e.drainMetadata(ctx, rec, &stats)
		}
	}

	return stats, nil
}

// drainMetadata delivers the report metadata for one record and records the
// outcome.
func (e *Engine) drainMetadata(ctx context.Context, rec queue.Record, stats *Stats) {
	now := e.cfg.Clock.Now()
	claimed, err := e.store.Claim(rec.LocalID, e.cfg.Owner, now, e.cfg.LeaseFor)
	if err != nil {
		logger.Error("sync: failed to claim %s: %v", rec.LocalID, err)
		return
	}
	if !claimed {
		stats.Skipped++
		return
	}
	attempt := rec.AttemptCount + 1

	resp, err := e.client.SubmitReport(ctx, api.SubmitRequest{
		LocalID:     rec.LocalID,
		DeviceID:    rec.Payload.DeviceID,
		Latitude:    rec.Payload.Latitude,
		Longitude:   rec.Payload.Longitude,
		CategoryID:  rec.Payload.CategoryID,
		Description: rec.Payload.Description,
		SubmittedAt: rec.Payload.SubmittedAt,
	})

	ticketNumber := ""
	switch {
	case err == nil:
		ticketNumber = resp.TicketNumber
		if resp.Replayed {
			logger.Info("sync: record %s replayed, ticket %s", rec.LocalID, ticketNumber)
		}
	case api.AsConflict(err) != nil:
		// The server already resolved this local id on a previous
		// attempt whose response we never saw. The conflict carries the
		// ticket, so this is a success.
		ticketNumber = api.AsConflict(err).TicketNumber
		logger.Info("sync: record %s already ticketed as %s", rec.LocalID, ticketNumber)
	case api.IsValidation(err):
		logger.Warn("sync: record %s rejected: %v", rec.LocalID, err)
		if markErr := e.store.MarkAbandoned(rec.LocalID, err.Error()); markErr != nil {
			logger.Error("sync: failed to abandon %s: %v", rec.LocalID, markErr)
			return
		}
		stats.Abandoned++
		return
	default:
		if ctx.Err() != nil {
			// Shutdown mid-flight. Keep the record SYNCING; the lease
			// expiry makes it eligible again and the idempotency key
			// makes redelivery safe.
			return
		}
		e.recordTransientFailure(rec.LocalID, attempt, err, stats)
		return
	}

	if err := e.store.MarkSynced(rec.LocalID, ticketNumber); err != nil {
		logger.Error("sync: failed to mark %s synced: %v", rec.LocalID, err)
		return
	}
	stats.Synced++
	logger.Info("sync: record %s synced as ticket %s", rec.LocalID, ticketNumber)

	if rec.AttachmentPending {
		rec.Status = queue.StatusSynced
		rec.TicketNumber = ticketNumber
		rec.AttemptCount = attempt
		e.drainAttachment(ctx, rec, stats)
	}
}

// drainAttachment uploads the attachment blob for an already-ticketed record.
func (e *Engine) drainAttachment(ctx context.Context, rec queue.Record, stats *Stats) {
	now := e.cfg.Clock.Now()
	claimed, err := e.store.ClaimAttachment(rec.LocalID, e.cfg.Owner, now, e.cfg.LeaseFor)
	if err != nil {
		logger.Error("sync: failed to claim attachment for %s: %v", rec.LocalID, err)
		return
	}
	if !claimed {
		stats.Skipped++
		return
	}
	attempt := rec.AttemptCount + 1

	blob, err := e.store.Attachment(rec.LocalID)
	if err != nil {
		logger.Error("sync: failed to load attachment for %s: %v", rec.LocalID, err)
		return
	}
	if blob == nil {
		logger.Warn("sync: record %s flagged for attachment but blob is missing", rec.LocalID)
		if err := e.store.AbandonAttachment(rec.LocalID, "attachment data missing"); err != nil {
			logger.Error("sync: failed to clear attachment flag for %s: %v", rec.LocalID, err)
		}
		return
	}

	err = e.client.UploadAttachment(ctx, rec.TicketNumber, blob.ContentType, blob.Data)
	switch {
	case err == nil:
		if err := e.store.MarkAttachmentUploaded(rec.LocalID); err != nil {
			logger.Error("sync: failed to mark attachment uploaded for %s: %v", rec.LocalID, err)
			return
		}
		if err := e.store.DeleteAttachment(rec.LocalID); err != nil {
			logger.Warn("sync: failed to delete local attachment for %s: %v", rec.LocalID, err)
		}
		stats.Uploaded++
		logger.Info("sync: attachment for ticket %s uploaded", rec.TicketNumber)
	case api.IsValidation(err):
		logger.Warn("sync: attachment for ticket %s rejected: %v", rec.TicketNumber, err)
		if markErr := e.store.AbandonAttachment(rec.LocalID, err.Error()); markErr != nil {
			logger.Error("sync: failed to abandon attachment for %s: %v", rec.LocalID, markErr)
		}
	default:
		if ctx.Err() != nil {
			return
		}
		// The metadata already holds a ticket, so only the upload is
		// rescheduled. The record stays SYNCED throughout.
		delay := Backoff{Base: e.cfg.BackoffBase, Cap: e.cfg.BackoffCap}.Delay(attempt)
		logger.Warn("sync: attachment for ticket %s failed (attempt %d), retry in %s: %v",
			rec.TicketNumber, attempt, delay, err)
		if markErr := e.store.DeferAttachment(rec.LocalID, err.Error(), e.cfg.Clock.Now().Add(delay)); markErr != nil {
			logger.Error("sync: failed to defer attachment for %s: %v", rec.LocalID, markErr)
		}
		stats.Failed++
	}
}

// recordTransientFailure schedules a retry, or abandons the record once the
// attempt budget is spent.
func (e *Engine) recordTransientFailure(localID string, attempt int, cause error, stats *Stats) {
	if attempt >= e.cfg.MaxAttempts {
		logger.Warn("sync: record %s abandoned after %d attempts: %v", localID, attempt, cause)
		msg := fmt.Sprintf("abandoned after %d attempts: %v", attempt, cause)
		if err := e.store.MarkAbandoned(localID, msg); err != nil {
			logger.Error("sync: failed to abandon %s: %v", localID, err)
			return
		}
		stats.Abandoned++
		return
	}

	delay := Backoff{Base: e.cfg.BackoffBase, Cap: e.cfg.BackoffCap}.Delay(attempt)
	logger.Debug("sync: record %s failed (attempt %d/%d), retry in %s: %v",
		localID, attempt, e.cfg.MaxAttempts, delay, cause)
	if err := e.store.MarkFailed(localID, cause.Error(), e.cfg.Clock.Now().Add(delay)); err != nil {
		logger.Error("sync: failed to mark %s failed: %v", localID, err)
		return
	}
	stats.Failed++
}

// Run drains the queue on a fixed interval and whenever the wake channel
// fires, until the context is cancelled. The connectivity monitor feeds the
// wake channel so a regained connection triggers an immediate drain instead
// of waiting out the interval.
func (e *Engine) Run(ctx context.Context, interval time.Duration, wake <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := e.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("sync: drain cycle failed: %v", err)
		}
		if stats != (Stats{}) {
			logger.Info("sync: cycle done: %d synced, %d uploaded, %d failed, %d abandoned, %d quarantined",
				stats.Synced, stats.Uploaded, stats.Failed, stats.Abandoned, stats.Quarantined)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
			logger.Debug("sync: woken early")
		}
	}
}
