// Package evidence records signed, append-only decisions. A single writer
// goroutine owns persistence; callers block until their bundle is durable.
package evidence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/application"
	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/signing"
)

const defaultQueueSize = 64

// Config wires an Emitter.
type Config struct {
	Repo      evidence.Repository
	Archive   evidence.Archive
	Signer    signing.Client
	Identity  string
	Clock     application.Clock
	Logger    *zap.Logger
	QueueSize int
}

type job struct {
	ctx context.Context
	b   evidence.Bundle
	ack chan error
}

type Emitter struct {
	repo     evidence.Repository
	archive  evidence.Archive
	signer   signing.Client
	identity string
	clock    application.Clock
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	done   chan struct{}
}

// NewEmitter starts the writer goroutine. Close stops it after the queue
// drains.
func NewEmitter(cfg Config) (*Emitter, error) {
	if cfg.Repo == nil || cfg.Signer == nil {
		return nil, errors.New("evidence emitter needs a repository and a signer")
	}
	if cfg.Identity == "" {
		return nil, errors.New("evidence emitter needs a signing identity")
	}
	if cfg.Clock == nil {
		cfg.Clock = application.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	e := &Emitter{
		repo:     cfg.Repo,
		archive:  cfg.Archive,
		signer:   cfg.Signer,
		identity: cfg.Identity,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		jobs:     make(chan job, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// Record builds, signs and persists one bundle and returns its id. It
// returns only after the row and the archive copy are written.
func (e *Emitter) Record(ctx context.Context, req evidence.Request) (string, error) {
	if req.ScanID == "" || req.Guardrail == "" {
		return "", errors.New("evidence request missing scan id or guardrail")
	}
	if req.Decision != evidence.Allowed && req.Decision != evidence.Denied {
		return "", fmt.Errorf("unknown evidence decision %q", req.Decision)
	}

	b := evidence.Bundle{
		EvidenceID: uuid.NewString(),
		ScanID:     string(req.ScanID),
		Decision:   req.Decision,
		Guardrail:  req.Guardrail,
		Reason:     req.Reason,
		// SQL DATETIME(6) keeps microseconds; the hash must survive a reload.
		Timestamp: e.clock.Now().UTC().Truncate(time.Microsecond),
	}
	if req.Proof != nil {
		d, err := req.Proof.Digest()
		if err != nil {
			return "", err
		}
		b.ProofDigest = d
		b.LogEntryReference = req.Proof.LogEntryReference
	}
	b.ContentHash = b.Hash()
	sig, err := e.signer.Sign(ctx, []byte(b.ContentHash), e.identity)
	if err != nil {
		return "", fmt.Errorf("sign evidence: %w", err)
	}
	b.Signature = base64.StdEncoding.EncodeToString(sig)
	b.Signer = e.identity

	ack := make(chan error, 1)
	if err := e.enqueue(ctx, job{ctx: ctx, b: b, ack: ack}); err != nil {
		return "", err
	}
	select {
	case err := <-ack:
		if err != nil {
			return "", err
		}
		return b.EvidenceID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Emitter) enqueue(ctx context.Context, j job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return evidence.ErrClosed
	}
	select {
	case e.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for j := range e.jobs {
		j.ack <- e.write(j)
	}
}

func (e *Emitter) write(j job) error {
	// a caller that gave up must not leave a half written bundle
	ctx := context.WithoutCancel(j.ctx)
	if err := e.repo.Append(ctx, j.b); err != nil {
		e.log.Error("evidence append failed", zap.String("scan_id", j.b.ScanID), zap.Error(err))
		return fmt.Errorf("append evidence: %w", err)
	}
	if e.archive != nil {
		if err := e.archive.Archive(ctx, j.b); err != nil {
			e.log.Error("evidence archive failed", zap.String("scan_id", j.b.ScanID),
				zap.String("evidence_id", j.b.EvidenceID), zap.Error(err))
			return fmt.Errorf("archive evidence: %w", err)
		}
	}
	e.log.Info("evidence recorded",
		zap.String("scan_id", j.b.ScanID),
		zap.String("evidence_id", j.b.EvidenceID),
		zap.String("decision", string(j.b.Decision)),
		zap.String("guardrail", string(j.b.Guardrail)),
		zap.String("reason", j.b.Reason))
	return nil
}

// Close stops accepting requests and waits for queued ones to finish.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()
	<-e.done
}

// List returns a scan's bundles oldest first.
func (e *Emitter) List(ctx context.Context, scanID string) ([]evidence.Bundle, error) {
	return e.repo.ListByScan(ctx, scanID)
}

// Verify recomputes a bundle's content hash and checks its signature.
func (e *Emitter) Verify(ctx context.Context, b evidence.Bundle) (bool, error) {
	if b.Hash() != b.ContentHash {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return false, nil
	}
	return e.signer.Verify(ctx, []byte(b.ContentHash), sig, b.Signer)
}

var _ evidence.Recorder = (*Emitter)(nil)
