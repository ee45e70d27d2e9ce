package tlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("log entry not found")
	ErrUnavailable = errors.New("transparency log unavailable")
)

// Record is the statement appended to the log. It carries no timestamps so
// that appending the same statement twice yields the same entry.
type Record struct {
	ScanID               string `json:"scan_id"`
	ManifestDigest       string `json:"manifest_digest"`
	InnerSignatureDigest string `json:"inner_signature_digest"`
	SignerInner          string `json:"signer_inner"`
}

// Canonical is the byte form that is hashed and signed.
func (r Record) Canonical() []byte {
	b, _ := json.Marshal(r)
	return b
}

// Digest is the hex sha256 of Canonical.
func (r Record) Digest() string {
	sum := sha256.Sum256(r.Canonical())
	return hex.EncodeToString(sum[:])
}

// Entry is the log's receipt for an appended record.
type Entry struct {
	Reference      string    `json:"reference"`
	RecordDigest   string    `json:"record_digest"`
	OuterSignature []byte    `json:"outer_signature"`
	Signer         string    `json:"signer"`
	Timestamp      time.Time `json:"timestamp"`
	LogIndex       int64     `json:"log_index"`
}

// Client appends to and reads from a transparency log. Append signs the
// record's canonical bytes with the log client's outer identity.
type Client interface {
	Append(ctx context.Context, r Record) (Entry, error)
	Query(ctx context.Context, reference string) (Entry, error)
}
