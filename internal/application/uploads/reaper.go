package uploads

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/application"
	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
)

// ScreeningRecovery fails a stuck privacy screening closed.
type ScreeningRecovery interface {
	FailClosed(ctx context.Context, id scans.ScanID, reason string) error
}

// Reaper expires upload attempts and privacy screenings that stayed
// in flight longer than LockTTL, e.g. after a crash.
type Reaper struct {
	Repo      scans.Repository
	Evidence  evidence.Recorder
	Screening ScreeningRecovery
	LockTTL   time.Duration
	Interval  time.Duration
	BatchSize int
	Clock     application.Clock
	Logger    *zap.Logger
}

func (r *Reaper) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.log().Error("reaper sweep failed", zap.Error(err))
			} else if n > 0 {
				r.log().Info("expired stuck scans", zap.Int("count", n))
			}
		}
	}
}

// Sweep expires one batch and returns how many records it moved.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := application.SystemClock{}.Now()
	if r.Clock != nil {
		now = r.Clock.Now().UTC()
	}
	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	stale, err := r.Repo.ListStale(ctx, now.Add(-ttl), r.BatchSize)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, rec := range stale {
		if rec.UploadStatus == scans.UploadPending {
			ok, err := r.expireUpload(ctx, rec, now)
			if err != nil {
				r.log().Error("expire upload", zap.String("scan_id", string(rec.ID)), zap.Error(err))
			} else if ok {
				moved++
			}
		}
		if rec.PromotionState == scans.PromotionPrivacyScreening && r.Screening != nil {
			if err := r.Screening.FailClosed(ctx, rec.ID, "privacy screening exceeded lock ttl"); err != nil {
				r.log().Error("fail screening closed", zap.String("scan_id", string(rec.ID)), zap.Error(err))
			} else {
				moved++
			}
		}
	}
	return moved, nil
}

// expireUpload only records evidence for a move it actually made.
func (r *Reaper) expireUpload(ctx context.Context, rec *scans.ScanRecord, now time.Time) (bool, error) {
	ok, err := r.Repo.CompareAndSwap(ctx, rec.ID, scans.UploadPending, scans.UploadTransition{
		To:           scans.UploadFailed,
		Tier:         rec.RequestedTier,
		PermissionID: rec.UploadPermissionID,
		Reason:       scans.CodeLockExpired,
		Retriable:    true,
		At:           now,
	})
	if err != nil || !ok {
		return false, err
	}
	r.log().Warn("upload lock expired",
		zap.String("scan_id", string(rec.ID)),
		zap.String("permission_id", rec.UploadPermissionID),
		zap.Time("pending_since", rec.UpdatedAt))
	_, err = r.Evidence.Record(ctx, evidence.Request{
		ScanID:    rec.ID,
		Decision:  evidence.Denied,
		Guardrail: evidence.GuardrailLockExpiry,
		Reason:    string(scans.CodeLockExpired) + ": pending since " + rec.UpdatedAt.Format(time.RFC3339),
	})
	return true, err
}
