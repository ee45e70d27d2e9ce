package scans

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// VerificationProof is the immutable result of verifying a scan's bundle.
type VerificationProof struct {
	Tier                  Tier       `json:"tier"`
	ChainVerified         bool       `json:"chain_verified"`
	InnerSignatureValid   bool       `json:"inner_signature_valid"`
	OuterSignatureValid   bool       `json:"outer_signature_valid"`
	ChainUnbroken         bool       `json:"chain_unbroken"`
	SignerInner           string     `json:"signer_inner"`
	SignerOuter           string     `json:"signer_outer,omitempty"`
	LogTimestamp          *time.Time `json:"log_timestamp,omitempty"`
	VerificationTimestamp time.Time  `json:"verification_timestamp"`
	LogEntryReference     string     `json:"log_entry_reference,omitempty"`
	LogIndex              int64      `json:"log_index,omitempty"`
	ManifestDigest        string     `json:"manifest_digest"`
	InnerSignatureDigest  string     `json:"inner_signature_digest"`
	RecordDigest          string     `json:"record_digest,omitempty"`
}

// Finalize derives the chain flags from the individual checks. Any failing
// sub-check leaves chain_verified false.
func (p *VerificationProof) Finalize() {
	p.ChainUnbroken = p.InnerSignatureValid && p.OuterSignatureValid && p.LogEntryReference != ""
	p.ChainVerified = p.ChainUnbroken
}

// MarshalCanonical encodes the proof the way it is persisted.
func (p VerificationProof) MarshalCanonical() ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalProof decodes a persisted proof.
func UnmarshalProof(data []byte) (*VerificationProof, error) {
	var p VerificationProof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode verification proof: %w", err)
	}
	return &p, nil
}

// Digest is the sha256 of the canonical encoding.
func (p VerificationProof) Digest() (string, error) {
	b, err := p.MarshalCanonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
