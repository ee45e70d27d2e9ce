// Package promotion moves a verified artifact set from the raw zone to the
// golden zone, holding it in quarantine when any artifact fails the privacy
// screen. A set is promoted as a whole or not at all.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/scanvault/internal/application"
	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/privacy"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
)

// Orchestrator implements promotion and reviewer resubmission.
type Orchestrator struct {
	Repo     scans.Repository
	Gateway  artifacts.Gateway
	Gate     privacy.Gate
	Evidence evidence.Recorder
	Clock    application.Clock
	Logger   *zap.Logger
	// Concurrency bounds parallel screens per scan.
	Concurrency int
	// CopyTimeout bounds each golden copy.
	CopyTimeout time.Duration
}

// Outcome is the caller's view of a promotion attempt.
type Outcome struct {
	ScanID    scans.ScanID          `json:"scan_id"`
	Promoted  []string              `json:"promoted"`
	Failed    []string              `json:"failed"`
	State     scans.PromotionState  `json:"state"`
	Artifacts []scans.ArtifactState `json:"artifacts,omitempty"`
}

func (o *Orchestrator) log() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Orchestrator) now() time.Time {
	if o.Clock == nil {
		return application.SystemClock{}.Now()
	}
	return o.Clock.Now().UTC()
}

func outcomeOf(r *scans.ScanRecord) Outcome {
	out := Outcome{ScanID: r.ID, State: r.PromotionState, Promoted: []string{}, Failed: []string{}, Artifacts: r.Artifacts}
	for _, a := range r.Artifacts {
		switch {
		case r.PromotionState == scans.PromotionGolden:
			out.Promoted = append(out.Promoted, a.Name)
		case a.Screen == scans.ScreenFail:
			out.Failed = append(out.Failed, a.Name)
		}
	}
	return out
}

// Promote screens the scan's artifact set and promotes it to golden when
// every artifact passes. Promoting a golden scan returns its set unchanged.
func (o *Orchestrator) Promote(ctx context.Context, id scans.ScanID) (Outcome, error) {
	rec, err := o.Repo.Get(ctx, id)
	if err != nil {
		return Outcome{ScanID: id}, scans.Wrap(id, err)
	}
	switch rec.PromotionState {
	case scans.PromotionGolden, scans.PromotionQuarantined:
		return outcomeOf(rec), nil
	case scans.PromotionPrivacyScreening:
		return outcomeOf(rec), scans.Wrap(id, fmt.Errorf("%w: privacy screening running", scans.ErrAlreadyInProgress))
	}
	if !rec.ReadyForPromotion() {
		return outcomeOf(rec), scans.Wrap(id, fmt.Errorf("%w: tier %s, upload %s",
			scans.ErrNotEligible, rec.RequestedTier, rec.UploadStatus))
	}

	states, err := o.locateRaw(ctx, rec)
	if err != nil {
		return outcomeOf(rec), scans.Wrap(id, err)
	}
	ok, err := o.Repo.CompareAndSwapPromotion(ctx, id, scans.PromotionIncoming, scans.PromotionTransition{
		To: scans.PromotionPrivacyScreening, Artifacts: states, At: o.now(),
	})
	if err != nil {
		return outcomeOf(rec), scans.Wrap(id, err)
	}
	if !ok {
		return outcomeOf(rec), scans.Wrap(id, scans.ErrAlreadyInProgress)
	}
	// past this point the record must leave privacy_screening
	fin := context.WithoutCancel(ctx)

	failed := o.screen(ctx, id, states)
	if err := ctx.Err(); err != nil {
		// verdicts taken on a cancelled context say nothing about the content
		return o.backTo(fin, id, states, scans.PromotionPrivacyScreening, scans.PromotionIncoming,
			fmt.Errorf("%w: screening interrupted: %w", scans.ErrCancelled, err))
	}
	if failed.Cardinality() > 0 {
		return o.hold(fin, id, states, failed, evidence.GuardrailPrivacyScreen)
	}
	return o.promote(fin, id, states, scans.PromotionPrivacyScreening, scans.PromotionIncoming)
}

// locateRaw builds the artifact set from the manifest and checks that each
// landed object still matches its signed digest.
func (o *Orchestrator) locateRaw(ctx context.Context, rec *scans.ScanRecord) ([]scans.ArtifactState, error) {
	states := make([]scans.ArtifactState, 0, len(rec.Manifest.Artifacts))
	for _, m := range rec.Manifest.Artifacts {
		loc, err := o.Gateway.Locate(ctx, string(rec.ID), artifacts.ZoneRaw, m.Name)
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", scans.ErrArtifactNotFound, m.Name)
		}
		if err != nil {
			return nil, err
		}
		if loc.ContentDigest != m.SHA256 {
			return nil, fmt.Errorf("%w: %s no longer matches its manifest digest", scans.ErrStorageIntegrity, m.Name)
		}
		states = append(states, scans.ArtifactState{
			Name: m.Name, MediaType: m.MediaType, Location: loc, Screen: scans.ScreenPending,
		})
	}
	return states, nil
}

// screen runs the gate over every artifact concurrently and fills in the
// verdicts. Gate errors count as failures; the caller discards the verdicts
// when ctx ended first.
func (o *Orchestrator) screen(ctx context.Context, id scans.ScanID, states []scans.ArtifactState) mapset.Set[string] {
	failed := mapset.NewSet[string]()
	limit := o.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range states {
		st := &states[i]
		g.Go(func() error {
			verdict, reason := o.screenOne(gctx, id, st)
			st.Screen = verdict
			st.ScreenReason = reason
			if verdict != scans.ScreenPass {
				failed.Add(st.Name)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (o *Orchestrator) screenOne(ctx context.Context, id scans.ScanID, st *scans.ArtifactState) (scans.ScreenVerdict, string) {
	data, err := o.Gateway.Read(ctx, st.Location)
	if err != nil {
		o.log().Error("read artifact for screening", zap.String("scan_id", string(id)), zap.String("artifact", st.Name), zap.Error(err))
		return scans.ScreenFail, "unreadable: " + err.Error()
	}
	res, err := o.Gate.Screen(ctx, privacy.Artifact{ScanID: string(id), Name: st.Name, MediaType: st.MediaType, Content: data})
	if err != nil {
		o.log().Warn("privacy screen error, failing closed", zap.String("scan_id", string(id)), zap.String("artifact", st.Name), zap.Error(err))
		return scans.ScreenFail, "screen error: " + err.Error()
	}
	if res.Verdict != privacy.VerdictPass {
		reason := res.Reason
		if reason == "" {
			reason = strings.Join(res.Findings, ", ")
		}
		return scans.ScreenFail, reason
	}
	return scans.ScreenPass, ""
}

// promote copies every artifact to golden. A failed copy removes the copies
// already made and returns the record to rollbackTo.
func (o *Orchestrator) promote(ctx context.Context, id scans.ScanID, states []scans.ArtifactState, from, rollbackTo scans.PromotionState) (Outcome, error) {
	golden := make([]scans.ArtifactState, 0, len(states))
	for _, st := range states {
		loc, err := o.copyGolden(ctx, st.Location)
		if err != nil {
			o.rollback(ctx, id, golden)
			return o.copyFailed(ctx, id, states, from, rollbackTo, st.Name, err)
		}
		st.Location = loc
		golden = append(golden, st)
	}

	names := make([]string, 0, len(golden))
	for _, st := range golden {
		names = append(names, st.Name)
	}
	if _, err := o.Evidence.Record(ctx, evidence.Request{
		ScanID: id, Decision: evidence.Allowed, Guardrail: evidence.GuardrailPrivacyScreen,
		Reason: "promoted to golden: " + strings.Join(names, ", "),
	}); err != nil {
		o.rollback(ctx, id, golden)
		return o.backTo(ctx, id, states, from, rollbackTo, err)
	}
	ok, err := o.Repo.CompareAndSwapPromotion(ctx, id, from, scans.PromotionTransition{
		To: scans.PromotionGolden, Artifacts: golden, At: o.now(),
	})
	if err != nil || !ok {
		o.rollback(ctx, id, golden)
		if err == nil {
			err = fmt.Errorf("%w: promotion state changed underneath", scans.ErrLockExpired)
		}
		return Outcome{ScanID: id, State: from}, scans.Wrap(id, err)
	}
	o.log().Info("artifact set promoted", zap.String("scan_id", string(id)), zap.Strings("artifacts", names))
	return Outcome{ScanID: id, Promoted: names, Failed: []string{}, State: scans.PromotionGolden, Artifacts: golden}, nil
}

func (o *Orchestrator) copyGolden(ctx context.Context, src artifacts.Location) (artifacts.Location, error) {
	if o.CopyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.CopyTimeout)
		defer cancel()
	}
	return o.Gateway.Copy(ctx, src, artifacts.ZoneGolden)
}

func (o *Orchestrator) rollback(ctx context.Context, id scans.ScanID, copied []scans.ArtifactState) {
	for _, st := range copied {
		if err := o.Gateway.Remove(ctx, st.Location); err != nil {
			o.log().Error("remove golden copy during rollback",
				zap.String("scan_id", string(id)), zap.String("dst", st.Location.Ref()), zap.Error(err))
		}
	}
}

func (o *Orchestrator) copyFailed(ctx context.Context, id scans.ScanID, states []scans.ArtifactState, from, to scans.PromotionState, name string, cause error) (Outcome, error) {
	o.log().Error("golden copy failed, rolled back", zap.String("scan_id", string(id)), zap.String("artifact", name), zap.Error(cause))
	if _, err := o.Evidence.Record(ctx, evidence.Request{
		ScanID: id, Decision: evidence.Denied, Guardrail: evidence.GuardrailStorageIntegrity,
		Reason: fmt.Sprintf("copy of %s to golden failed: %v", name, cause),
	}); err != nil {
		o.log().Error("record storage evidence", zap.String("scan_id", string(id)), zap.Error(err))
	}
	return o.backTo(ctx, id, states, from, to, fmt.Errorf("%w: %s: %w", scans.ErrStorageIntegrity, name, cause))
}

func (o *Orchestrator) backTo(ctx context.Context, id scans.ScanID, states []scans.ArtifactState, from, to scans.PromotionState, cause error) (Outcome, error) {
	reset := make([]scans.ArtifactState, len(states))
	copy(reset, states)
	if to == scans.PromotionIncoming {
		for i := range reset {
			reset[i].Screen = scans.ScreenPending
			reset[i].ScreenReason = ""
		}
	}
	if _, err := o.Repo.CompareAndSwapPromotion(ctx, id, from, scans.PromotionTransition{
		To: to, Reason: cause.Error(), Artifacts: reset, At: o.now(),
	}); err != nil {
		o.log().Error("roll back promotion state", zap.String("scan_id", string(id)), zap.Error(err))
	}
	return Outcome{ScanID: id, Promoted: []string{}, Failed: []string{}, State: to, Artifacts: reset}, scans.Wrap(id, cause)
}

// hold relocates the whole set to quarantine. Nothing reaches golden.
func (o *Orchestrator) hold(ctx context.Context, id scans.ScanID, states []scans.ArtifactState, failed mapset.Set[string], guardrail evidence.Guardrail) (Outcome, error) {
	held := make([]scans.ArtifactState, len(states))
	copy(held, states)
	for i := range held {
		if held[i].Location.Zone == artifacts.ZoneQuarantine {
			continue
		}
		loc, err := o.Gateway.Move(ctx, held[i].Location, artifacts.ZoneQuarantine)
		if err != nil {
			// keep tracking the original location; the set is still held
			o.log().Error("move to quarantine", zap.String("scan_id", string(id)), zap.String("artifact", held[i].Name), zap.Error(err))
			continue
		}
		held[i].Location = loc
	}

	names := failed.ToSlice()
	sort.Strings(names)
	reason := "privacy screen failed: " + strings.Join(names, ", ")
	if _, err := o.Evidence.Record(ctx, evidence.Request{
		ScanID: id, Decision: evidence.Denied, Guardrail: guardrail, Reason: reason,
	}); err != nil {
		o.log().Error("record quarantine evidence", zap.String("scan_id", string(id)), zap.Error(err))
	}
	ok, err := o.Repo.CompareAndSwapPromotion(ctx, id, scans.PromotionPrivacyScreening, scans.PromotionTransition{
		To: scans.PromotionQuarantined, Reason: reason, Artifacts: held, At: o.now(),
	})
	if err != nil {
		return Outcome{ScanID: id}, scans.Wrap(id, err)
	}
	if !ok {
		return Outcome{ScanID: id}, scans.Wrap(id, fmt.Errorf("%w: promotion state changed underneath", scans.ErrLockExpired))
	}
	o.log().Warn("artifact set quarantined", zap.String("scan_id", string(id)), zap.Strings("failed", names))
	return Outcome{ScanID: id, Promoted: []string{}, Failed: names, State: scans.PromotionQuarantined, Artifacts: held}, nil
}

// FailClosed quarantines a set whose screening never finished.
func (o *Orchestrator) FailClosed(ctx context.Context, id scans.ScanID, reason string) error {
	rec, err := o.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.PromotionState != scans.PromotionPrivacyScreening {
		return nil
	}
	failed := mapset.NewSet[string]()
	states := append([]scans.ArtifactState(nil), rec.Artifacts...)
	for i := range states {
		if states[i].Screen != scans.ScreenPass {
			states[i].Screen = scans.ScreenFail
			states[i].ScreenReason = reason
			failed.Add(states[i].Name)
		}
	}
	if failed.Cardinality() == 0 {
		// every verdict was in but the promotion never landed; hold anyway
		for _, st := range states {
			failed.Add(st.Name)
		}
	}
	_, err = o.hold(ctx, id, states, failed, evidence.GuardrailLockExpiry)
	return err
}
