package promotion

import (
	"context"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
)

// Resubmit replaces one quarantined artifact with a reviewer's redacted
// version and screens it again. The set is promoted once every artifact's
// latest verdict is a pass.
func (o *Orchestrator) Resubmit(ctx context.Context, id scans.ScanID, name, reviewer string, content []byte) (Outcome, error) {
	if strings.TrimSpace(reviewer) == "" {
		return Outcome{ScanID: id}, scans.Wrap(id, fmt.Errorf("%w: reviewer is required", scans.ErrInvalidTransition))
	}
	rec, err := o.Repo.Get(ctx, id)
	if err != nil {
		return Outcome{ScanID: id}, scans.Wrap(id, err)
	}
	if rec.PromotionState != scans.PromotionQuarantined {
		return outcomeOf(rec), scans.Wrap(id, fmt.Errorf("%w: resubmission needs a quarantined set, state is %s",
			scans.ErrInvalidTransition, rec.PromotionState))
	}
	idx := -1
	for i, a := range rec.Artifacts {
		if a.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return outcomeOf(rec), scans.Wrap(id, fmt.Errorf("%w: %s", scans.ErrArtifactNotFound, name))
	}

	ok, err := o.Repo.CompareAndSwapPromotion(ctx, id, scans.PromotionQuarantined, scans.PromotionTransition{
		To: scans.PromotionPrivacyScreening, Reason: "resubmitted by " + reviewer, At: o.now(),
	})
	if err != nil {
		return outcomeOf(rec), scans.Wrap(id, err)
	}
	if !ok {
		return outcomeOf(rec), scans.Wrap(id, scans.ErrAlreadyInProgress)
	}
	fin := context.WithoutCancel(ctx)

	states := append([]scans.ArtifactState(nil), rec.Artifacts...)
	st := &states[idx]
	ct := st.MediaType
	if ct == "" {
		ct = "application/octet-stream"
	}
	loc, err := o.Gateway.Write(fin, string(id), artifacts.ZoneQuarantine, name, content, ct)
	if err != nil {
		return o.backTo(fin, id, states, scans.PromotionPrivacyScreening, scans.PromotionQuarantined,
			fmt.Errorf("%w: store resubmitted %s: %w", scans.ErrStorageIntegrity, name, err))
	}
	st.Location = loc
	st.Screen, st.ScreenReason = o.screenOne(ctx, id, st)
	if err := ctx.Err(); err != nil {
		st.Screen, st.ScreenReason = scans.ScreenFail, "resubmission screening interrupted"
		return o.backTo(fin, id, states, scans.PromotionPrivacyScreening, scans.PromotionQuarantined,
			fmt.Errorf("%w: screening of %s interrupted: %w", scans.ErrCancelled, name, err))
	}

	decision := evidence.Allowed
	if st.Screen != scans.ScreenPass {
		decision = evidence.Denied
	}
	if _, err := o.Evidence.Record(fin, evidence.Request{
		ScanID: id, Decision: decision, Guardrail: evidence.GuardrailReviewerResubmission,
		Reason: fmt.Sprintf("%s resubmitted by %s: %s", name, reviewer, st.Screen),
	}); err != nil {
		o.log().Error("record resubmission evidence", zap.String("scan_id", string(id)), zap.Error(err))
	}

	failed := mapset.NewSet[string]()
	for _, a := range states {
		if a.Screen != scans.ScreenPass {
			failed.Add(a.Name)
		}
	}
	if failed.Cardinality() > 0 {
		return o.hold(fin, id, states, failed, evidence.GuardrailPrivacyScreen)
	}
	return o.promote(fin, id, states, scans.PromotionPrivacyScreening, scans.PromotionQuarantined)
}
