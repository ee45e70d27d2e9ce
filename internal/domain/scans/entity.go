package scans

import (
	"time"

	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
)

// ScanID tipe untuk Scan
type ScanID string

// Status is the lifecycle of the scan run that produced the bundle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// UploadStatus tracks the upload-permission decision for a scan.
type UploadStatus string

const (
	UploadNone      UploadStatus = "none"
	UploadPending   UploadStatus = "pending"
	UploadPermitted UploadStatus = "permitted"
	UploadUploaded  UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// PromotionState is the zone state machine of the artifact set.
type PromotionState string

const (
	PromotionIncoming         PromotionState = "incoming"
	PromotionPrivacyScreening PromotionState = "privacy_screening"
	PromotionQuarantined      PromotionState = "quarantined"
	PromotionGolden           PromotionState = "golden"
)

// ScreenVerdict is the latest privacy-screen outcome of one artifact.
type ScreenVerdict string

const (
	ScreenPending ScreenVerdict = "pending"
	ScreenPass    ScreenVerdict = "pass"
	ScreenFail    ScreenVerdict = "fail"
)

// ArtifactState is one artifact of the set as tracked by the record.
type ArtifactState struct {
	Name         string             `json:"name"`
	MediaType    string             `json:"media_type,omitempty"`
	Location     artifacts.Location `json:"location"`
	Screen       ScreenVerdict      `json:"screen"`
	ScreenReason string             `json:"screen_reason,omitempty"`
}

// Aggregate Root: ScanRecord
type ScanRecord struct {
	ID                 ScanID             `json:"scan_id"`
	WorkspaceID        string             `json:"workspace_id"`
	ComponentID        string             `json:"component_id"`
	AssessmentID       string             `json:"assessment_id,omitempty"`
	Status             Status             `json:"status"`
	UploadStatus       UploadStatus       `json:"upload_status"`
	RequestedTier      Tier               `json:"requested_tier,omitempty"`
	UploadPermissionID string             `json:"upload_permission_id,omitempty"`
	UploadReason       Code               `json:"upload_reason,omitempty"`
	UploadRetriable    bool               `json:"upload_retriable,omitempty"`
	UploadAttempts     int                `json:"upload_attempts"`
	VerificationProof  *VerificationProof `json:"verification_proof"`
	Manifest           Manifest           `json:"manifest"`
	PromotionState     PromotionState     `json:"promotion_state"`
	PromotionReason    string             `json:"promotion_reason,omitempty"`
	Artifacts          []ArtifactState    `json:"artifacts,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *ScanRecord) Clone() *ScanRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.VerificationProof != nil {
		p := *r.VerificationProof
		if r.VerificationProof.LogTimestamp != nil {
			ts := *r.VerificationProof.LogTimestamp
			p.LogTimestamp = &ts
		}
		out.VerificationProof = &p
	}
	out.Manifest.Artifacts = append([]ManifestArtifact(nil), r.Manifest.Artifacts...)
	out.Artifacts = append([]ArtifactState(nil), r.Artifacts...)
	return &out
}

// ReadyForPromotion reports whether the upload decision allows the set to
// enter privacy screening.
func (r *ScanRecord) ReadyForPromotion() bool {
	switch r.RequestedTier {
	case TierBasic:
		return r.UploadStatus == UploadPermitted
	case TierVerified:
		return r.UploadStatus == UploadUploaded &&
			r.VerificationProof != nil && r.VerificationProof.ChainUnbroken
	default:
		return false
	}
}

// ArtifactNames returns the names of the tracked artifact set, or the
// manifest's names when the set has not been located yet.
func (r *ScanRecord) ArtifactNames() []string {
	if len(r.Artifacts) > 0 {
		out := make([]string, 0, len(r.Artifacts))
		for _, a := range r.Artifacts {
			out = append(out, a.Name)
		}
		return out
	}
	out := make([]string, 0, len(r.Manifest.Artifacts))
	for _, a := range r.Manifest.Artifacts {
		out = append(out, a.Name)
	}
	return out
}
