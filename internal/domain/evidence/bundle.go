package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/bryanwahyu/scanvault/internal/domain/scans"
)

// Decision recorded by an evidence bundle.
type Decision string

const (
	Allowed Decision = "allowed"
	Denied  Decision = "denied"
)

// Guardrail names the control that produced a decision.
type Guardrail string

const (
	GuardrailUploadPermission      Guardrail = "upload-permission"
	GuardrailSignatureVerification Guardrail = "signature-verification"
	GuardrailSignerPolicy          Guardrail = "signer-policy"
	GuardrailTransparencyLog       Guardrail = "transparency-log"
	GuardrailLockExpiry            Guardrail = "lock-expiry"
	GuardrailPrivacyScreen         Guardrail = "privacy-screen"
	GuardrailStorageIntegrity      Guardrail = "storage-integrity"
	GuardrailReviewerResubmission  Guardrail = "reviewer-resubmission"
)

var (
	ErrClosed   = errors.New("evidence emitter closed")
	ErrNotFound = errors.New("evidence not found")
)

// Bundle is one append-only audit record.
type Bundle struct {
	EvidenceID        string    `json:"evidence_id"`
	ScanID            string    `json:"scan_id"`
	Decision          Decision  `json:"decision"`
	Guardrail         Guardrail `json:"guardrail"`
	Reason            string    `json:"reason"`
	ProofDigest       string    `json:"proof_digest,omitempty"`
	LogEntryReference string    `json:"log_entry_reference,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	ContentHash       string    `json:"content_hash"`
	Signature         string    `json:"signature"`
	Signer            string    `json:"signer"`
}

type payload struct {
	EvidenceID        string    `json:"evidence_id"`
	ScanID            string    `json:"scan_id"`
	Decision          Decision  `json:"decision"`
	Guardrail         Guardrail `json:"guardrail"`
	Reason            string    `json:"reason"`
	ProofDigest       string    `json:"proof_digest,omitempty"`
	LogEntryReference string    `json:"log_entry_reference,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Payload is the canonical JSON the content hash is taken over.
func (b Bundle) Payload() []byte {
	out, _ := json.Marshal(payload{
		EvidenceID:        b.EvidenceID,
		ScanID:            b.ScanID,
		Decision:          b.Decision,
		Guardrail:         b.Guardrail,
		Reason:            b.Reason,
		ProofDigest:       b.ProofDigest,
		LogEntryReference: b.LogEntryReference,
		Timestamp:         b.Timestamp.UTC(),
	})
	return out
}

// Hash returns the hex sha256 of Payload.
func (b Bundle) Hash() string {
	sum := sha256.Sum256(b.Payload())
	return hex.EncodeToString(sum[:])
}

// Request asks the emitter to record one decision.
type Request struct {
	ScanID    scans.ScanID
	Decision  Decision
	Guardrail Guardrail
	Reason    string
	Proof     *scans.VerificationProof
}

// Recorder is what the broker and the orchestrator depend on. Record returns
// only after the bundle is durable.
type Recorder interface {
	Record(ctx context.Context, req Request) (string, error)
}

// Repository persists bundles as rows.
type Repository interface {
	Append(ctx context.Context, b Bundle) error
	ListByScan(ctx context.Context, scanID string) ([]Bundle, error)
}

// Archive stores a bundle's JSON document next to the scan's artifacts.
type Archive interface {
	Archive(ctx context.Context, b Bundle) error
}
