package scans

import "fmt"

var uploadTransitions = map[UploadStatus][]UploadStatus{
	UploadNone:      {UploadPending},
	UploadPending:   {UploadPermitted, UploadFailed},
	UploadPermitted: {UploadUploaded},
	UploadFailed:    {UploadPending},
	UploadUploaded:  {},
}

// CanTransitionUpload reports whether from→to is a legal upload move.
// failed→pending additionally requires the record to be retriable, which the
// store enforces in its conditional update.
func CanTransitionUpload(from, to UploadStatus) bool {
	for _, s := range uploadTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var promotionTransitions = map[PromotionState][]PromotionState{
	PromotionIncoming:         {PromotionPrivacyScreening},
	PromotionPrivacyScreening: {PromotionGolden, PromotionQuarantined, PromotionIncoming},
	PromotionQuarantined:      {PromotionPrivacyScreening},
	PromotionGolden:           {},
}

// CanTransitionPromotion reports whether from→to is a legal zone move.
// privacy_screening→incoming is the rollback path after a failed golden copy.
func CanTransitionPromotion(from, to PromotionState) bool {
	for _, s := range promotionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var statusTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusSucceeded, StatusFailed},
	StatusSucceeded: {},
	StatusFailed:    {},
}

// CanTransitionStatus reports whether the scan run may move from→to.
func CanTransitionStatus(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus validates a scan run status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
}

// Check validates an upload transition against the expected current status
// and the proof rule: a proof travels only with verified permitted/uploaded.
func (t UploadTransition) Check(from UploadStatus) error {
	if !CanTransitionUpload(from, t.To) {
		return fmt.Errorf("%w: upload %s -> %s", ErrInvalidTransition, from, t.To)
	}
	if from == UploadFailed && !t.Retry {
		return fmt.Errorf("%w: failed -> pending requires a retry", ErrInvalidTransition)
	}
	if t.Proof != nil && t.To != UploadPermitted {
		return fmt.Errorf("%w: proof can only be set when permitting", ErrInvalidTransition)
	}
	if t.To == UploadPermitted && t.Proof != nil && t.Tier != TierVerified {
		return fmt.Errorf("%w: proof on %s tier", ErrInvalidTransition, t.Tier)
	}
	if t.To == UploadFailed && t.Reason == "" {
		return fmt.Errorf("%w: failure needs a reason", ErrInvalidTransition)
	}
	return nil
}

// Check validates a promotion transition.
func (t PromotionTransition) Check(from PromotionState) error {
	if !CanTransitionPromotion(from, t.To) {
		return fmt.Errorf("%w: promotion %s -> %s", ErrInvalidTransition, from, t.To)
	}
	return nil
}

// Apply mutates r as the store would after a successful upload CAS.
func (t UploadTransition) Apply(r *ScanRecord) {
	r.UploadStatus = t.To
	switch t.To {
	case UploadPending:
		r.UploadAttempts++
		r.UploadReason = ""
		r.UploadRetriable = false
		if r.RequestedTier == "" {
			r.RequestedTier = t.Tier
		}
		if t.PermissionID != "" {
			r.UploadPermissionID = t.PermissionID
		}
	case UploadPermitted:
		if t.Proof != nil {
			p := *t.Proof
			r.VerificationProof = &p
		}
	case UploadFailed:
		r.UploadReason = t.Reason
		r.UploadRetriable = t.Retriable
		r.VerificationProof = nil
	}
	r.UpdatedAt = t.At
}

// Apply mutates r as the store would after a successful promotion CAS.
func (t PromotionTransition) Apply(r *ScanRecord) {
	r.PromotionState = t.To
	r.PromotionReason = t.Reason
	if t.Artifacts != nil {
		r.Artifacts = append([]ArtifactState(nil), t.Artifacts...)
	}
	r.UpdatedAt = t.At
}
