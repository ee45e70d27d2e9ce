// Package apptest assembles the application services on in-memory
// backends for tests.
package apptest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/application/evidence"
	"github.com/bryanwahyu/scanvault/internal/application/promotion"
	appscans "github.com/bryanwahyu/scanvault/internal/application/scans"
	"github.com/bryanwahyu/scanvault/internal/application/uploads"
	"github.com/bryanwahyu/scanvault/internal/application/verification"
	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
	"github.com/bryanwahyu/scanvault/internal/domain/tlog"
	"github.com/bryanwahyu/scanvault/internal/infra/db/memory"
	"github.com/bryanwahyu/scanvault/internal/infra/policy"
	"github.com/bryanwahyu/scanvault/internal/infra/privacy"
	"github.com/bryanwahyu/scanvault/internal/infra/signing"
	"github.com/bryanwahyu/scanvault/internal/infra/storage"
	"github.com/bryanwahyu/scanvault/internal/infra/tlog/memlog"
)

const (
	Signer          = "ci@example.com"
	LogIdentity     = "tlog@scanvault"
	ServiceIdentity = "scanvault@service"
)

var Layout = artifacts.Layout{RawBucket: "scans-raw", GoldenBucket: "scans-golden"}

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// CountingLog counts calls on the wrapped log.
type CountingLog struct {
	tlog.Client
	Appends atomic.Int32
	Queries atomic.Int32
}

func (c *CountingLog) Append(ctx context.Context, r tlog.Record) (tlog.Entry, error) {
	c.Appends.Add(1)
	return c.Client.Append(ctx, r)
}

func (c *CountingLog) Query(ctx context.Context, ref string) (tlog.Entry, error) {
	c.Queries.Add(1)
	return c.Client.Query(ctx, ref)
}

// World is every service wired on in-memory backends.
type World struct {
	Clock        *Clock
	Store        *storage.MemoryStore
	Gateway      *storage.Gateway
	Scans        *memory.ScanRepository
	EvidenceRepo *memory.EvidenceRepository
	Emitter      *evidence.Emitter
	Keyring      *signing.Keyring
	Keys         *signing.KeySet
	MemLog       *memlog.Log
	Log          *CountingLog
	Engine       *verification.Engine
	Broker       *uploads.Broker
	Orchestrator *promotion.Orchestrator
	Intake       *appscans.Service
}

func New(t testing.TB) *World {
	t.Helper()
	w := &World{Clock: &Clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}}

	w.Store = storage.NewMemory()
	w.Gateway = storage.NewGateway(w.Store, Layout, 5*time.Second, nil)
	w.Scans = memory.NewScanRepository()
	w.EvidenceRepo = memory.NewEvidenceRepository()

	entity, err := openpgp.NewEntity("CI", "", Signer, &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)
	w.Keyring = signing.NewKeyring()
	w.Keyring.Add(entity)

	w.Keys = signing.NewKeySet()
	require.NoError(t, w.Keys.AddSeed(LogIdentity, signing.SeedFromSecret("log")))
	require.NoError(t, w.Keys.AddSeed(ServiceIdentity, signing.SeedFromSecret("service")))

	w.Emitter, err = evidence.NewEmitter(evidence.Config{
		Repo: w.EvidenceRepo, Archive: w.Gateway, Signer: w.Keys, Identity: ServiceIdentity, Clock: w.Clock,
	})
	require.NoError(t, err)
	t.Cleanup(w.Emitter.Close)

	w.MemLog = memlog.New(w.Keys, LogIdentity, w.Clock.Now)
	w.Log = &CountingLog{Client: w.MemLog}

	pol, err := policy.NewEngine(context.Background(), map[string][]string{"*": {"*@example.com"}}, "")
	require.NoError(t, err)

	w.Engine = &verification.Engine{
		Gateway:       w.Gateway,
		Proofs:        w.Gateway,
		Inner:         w.Keyring,
		Policy:        pol,
		Log:           w.Log,
		OuterVerifier: w.Keys,
		Clock:         w.Clock,
		Timeout:       5 * time.Second,
	}
	w.Broker = &uploads.Broker{
		Repo: w.Scans, Engine: w.Engine, Proofs: w.Gateway, Evidence: w.Emitter, Clock: w.Clock,
	}
	w.Orchestrator = &promotion.Orchestrator{
		Repo:        w.Scans,
		Gateway:     w.Gateway,
		Gate:        privacy.PatternGate{AllowDomains: []string{"example.com"}},
		Evidence:    w.Emitter,
		Clock:       w.Clock,
		Concurrency: 2,
		CopyTimeout: 5 * time.Second,
	}
	w.Intake = &appscans.Service{Repo: w.Scans, Artifacts: w.Gateway, Evidence: w.EvidenceRepo, Clock: w.Clock}
	return w
}

// Manifest builds bundle.json for files, sorted by name.
func Manifest(files map[string]string) []byte {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	m := scans.Manifest{Signer: Signer}
	for _, n := range names {
		m.Artifacts = append(m.Artifacts, scans.ManifestArtifact{
			Name: n, SHA256: scans.Digest([]byte(files[n])), MediaType: "application/json", Kind: "sast",
		})
	}
	b, _ := json.Marshal(m)
	return b
}

// NewScan submits a signed bundle for files, lands every file and marks the
// scan run succeeded.
func (w *World) NewScan(t testing.TB, tier string, files map[string]string) scans.ScanID {
	t.Helper()
	ctx := context.Background()
	manifest := Manifest(files)
	sig, err := w.Keyring.Sign(ctx, manifest, Signer)
	require.NoError(t, err)

	rec, err := w.Intake.Submit(ctx, appscans.SubmitCommand{
		WorkspaceID: "ws-1", ComponentID: "payments-api", Tier: tier, Manifest: manifest, Signature: sig,
	})
	require.NoError(t, err)
	for name, content := range files {
		_, err := w.Intake.LandArtifact(ctx, rec.ID, name, []byte(content), "")
		require.NoError(t, err)
	}
	_, err = w.Intake.UpdateStatus(ctx, rec.ID, "running")
	require.NoError(t, err)
	_, err = w.Intake.UpdateStatus(ctx, rec.ID, "succeeded")
	require.NoError(t, err)
	return rec.ID
}

// Record fetches the scan record.
func (w *World) Record(t testing.TB, id scans.ScanID) *scans.ScanRecord {
	t.Helper()
	rec, err := w.Scans.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// Objects lists stored object keys under bucket.
func (w *World) Objects(bucket string) []string {
	return w.Store.Keys(bucket)
}
