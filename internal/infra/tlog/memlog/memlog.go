package memlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bryanwahyu/scanvault/internal/domain/signing"
	"github.com/bryanwahyu/scanvault/internal/domain/tlog"
)

// Log is an in-process transparency log. Appending a record whose digest is
// already present returns the existing entry.
type Log struct {
	mu       sync.RWMutex
	signer   signing.Client
	identity string
	clock    func() time.Time

	entries  []tlog.Entry
	byDigest map[string]int
	byRef    map[string]int
}

func New(signer signing.Client, identity string, clock func() time.Time) *Log {
	if clock == nil {
		clock = time.Now
	}
	return &Log{
		signer:   signer,
		identity: identity,
		clock:    clock,
		byDigest: make(map[string]int),
		byRef:    make(map[string]int),
	}
}

func (l *Log) Append(ctx context.Context, r tlog.Record) (tlog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return tlog.Entry{}, err
	}
	digest := r.Digest()

	l.mu.RLock()
	if i, ok := l.byDigest[digest]; ok {
		e := cloneEntry(l.entries[i])
		l.mu.RUnlock()
		return e, nil
	}
	l.mu.RUnlock()

	sig, err := l.signer.Sign(ctx, r.Canonical(), l.identity)
	if err != nil {
		return tlog.Entry{}, fmt.Errorf("sign log record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.byDigest[digest]; ok {
		return cloneEntry(l.entries[i]), nil
	}
	index := int64(len(l.entries))
	e := tlog.Entry{
		Reference:      fmt.Sprintf("memlog-%d-%s", index, digest[:16]),
		RecordDigest:   digest,
		OuterSignature: sig,
		Signer:         l.identity,
		Timestamp:      l.clock().UTC().Truncate(time.Second),
		LogIndex:       index,
	}
	l.entries = append(l.entries, e)
	l.byDigest[digest] = int(index)
	l.byRef[e.Reference] = int(index)
	return cloneEntry(e), nil
}

func (l *Log) Query(ctx context.Context, reference string) (tlog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return tlog.Entry{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byRef[reference]
	if !ok {
		return tlog.Entry{}, fmt.Errorf("%w: %s", tlog.ErrNotFound, reference)
	}
	return cloneEntry(l.entries[i]), nil
}

// Len returns the number of distinct entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func cloneEntry(e tlog.Entry) tlog.Entry {
	e.OuterSignature = append([]byte(nil), e.OuterSignature...)
	return e
}

var _ tlog.Client = (*Log)(nil)
