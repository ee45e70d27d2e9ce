package scans

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/application"
	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	"github.com/bryanwahyu/scanvault/internal/domain/evidence"
	domain "github.com/bryanwahyu/scanvault/internal/domain/scans"
)

// Service implements use-cases untuk scan intake
// Service is safe for concurrent use
type Service struct {
	Repo      domain.Repository
	Artifacts artifacts.Gateway
	Evidence  evidence.Repository
	Clock     application.Clock
	Logger    *zap.Logger
}

func (s *Service) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) now() application.Clock {
	if s.Clock == nil {
		return application.SystemClock{}
	}
	return s.Clock
}

//
// ==== USE CASES ====
//

// Command untuk submit scan baru
type SubmitCommand struct {
	WorkspaceID  string
	ComponentID  string
	AssessmentID string
	Tier         string
	Manifest     []byte
	Signature    []byte
}

// Submit validates the bundle manifest, lands it (and its signature when
// given) in the raw zone and creates the scan record.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*domain.ScanRecord, error) {
	if strings.TrimSpace(cmd.WorkspaceID) == "" || strings.TrimSpace(cmd.ComponentID) == "" {
		return nil, domain.Wrap("", fmt.Errorf("%w: workspace_id and component_id are required", domain.ErrInvalidManifest))
	}
	m, err := domain.ParseManifest(cmd.Manifest)
	if err != nil {
		return nil, domain.Wrap("", err)
	}
	var tier domain.Tier
	if strings.TrimSpace(cmd.Tier) != "" {
		if tier, err = domain.ParseTier(cmd.Tier); err != nil {
			return nil, domain.Wrap("", err)
		}
	}

	id := domain.ScanID(uuid.NewString())
	if _, err := s.Artifacts.Write(ctx, string(id), artifacts.ZoneRaw, domain.BundleName, cmd.Manifest, "application/json"); err != nil {
		return nil, domain.Wrap(id, err)
	}
	if len(cmd.Signature) > 0 {
		if _, err := s.Artifacts.Write(ctx, string(id), artifacts.ZoneRaw, domain.SignatureName, cmd.Signature, "application/pgp-signature"); err != nil {
			return nil, domain.Wrap(id, err)
		}
	}

	now := s.now().Now().UTC()
	rec := &domain.ScanRecord{
		ID:             id,
		WorkspaceID:    cmd.WorkspaceID,
		ComponentID:    cmd.ComponentID,
		AssessmentID:   cmd.AssessmentID,
		Status:         domain.StatusPending,
		UploadStatus:   domain.UploadNone,
		RequestedTier:  tier,
		Manifest:       m,
		PromotionState: domain.PromotionIncoming,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Repo.Create(ctx, rec); err != nil {
		return nil, domain.Wrap(id, err)
	}
	s.log().Info("scan submitted",
		zap.String("scan_id", string(id)),
		zap.String("workspace_id", rec.WorkspaceID),
		zap.String("component_id", rec.ComponentID),
		zap.String("signer", m.Signer),
		zap.Int("artifacts", len(m.Artifacts)))
	return rec, nil
}

// LandArtifact stores one artifact (or the detached signature) in the raw
// zone. Landing is closed once an upload decision is being taken.
func (s *Service) LandArtifact(ctx context.Context, id domain.ScanID, name string, content []byte, contentType string) (artifacts.Location, error) {
	rec, err := s.Repo.Get(ctx, id)
	if err != nil {
		return artifacts.Location{}, domain.Wrap(id, err)
	}
	if _, listed := rec.Manifest.Artifact(name); !listed && name != domain.SignatureName {
		return artifacts.Location{}, domain.Wrap(id, fmt.Errorf("%w: %s is not listed in the manifest", domain.ErrArtifactNotFound, name))
	}
	switch rec.UploadStatus {
	case domain.UploadNone, domain.UploadFailed:
	default:
		return artifacts.Location{}, domain.Wrap(id, fmt.Errorf("%w: upload is %s, the raw zone is sealed",
			domain.ErrInvalidTransition, rec.UploadStatus))
	}
	if contentType == "" {
		if a, ok := rec.Manifest.Artifact(name); ok {
			contentType = a.MediaType
		}
	}
	loc, err := s.Artifacts.Write(ctx, string(id), artifacts.ZoneRaw, name, content, contentType)
	if err != nil {
		return artifacts.Location{}, domain.Wrap(id, err)
	}
	if a, ok := rec.Manifest.Artifact(name); ok && a.SHA256 != loc.ContentDigest {
		s.log().Warn("landed artifact does not match manifest digest",
			zap.String("scan_id", string(id)), zap.String("artifact", name))
	}
	return loc, nil
}

// UpdateStatus records the progress of the scan run.
func (s *Service) UpdateStatus(ctx context.Context, id domain.ScanID, status string) (*domain.ScanRecord, error) {
	next, err := domain.ParseStatus(status)
	if err != nil {
		return nil, domain.Wrap(id, err)
	}
	rec, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, domain.Wrap(id, err)
	}
	if rec.Status == next {
		return rec, nil
	}
	ok, err := s.Repo.CompareAndSwapStatus(ctx, id, rec.Status, next, s.now().Now())
	if err != nil {
		return nil, domain.Wrap(id, err)
	}
	if !ok {
		return nil, domain.Wrap(id, fmt.Errorf("%w: status changed concurrently", domain.ErrAlreadyInProgress))
	}
	return s.Repo.Get(ctx, id)
}

// Get by ID
func (s *Service) Get(ctx context.Context, id domain.ScanID) (*domain.ScanRecord, error) {
	rec, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, domain.Wrap(id, err)
	}
	return rec, nil
}

// ListEvidence returns the scan's evidence trail oldest first.
func (s *Service) ListEvidence(ctx context.Context, id domain.ScanID) ([]evidence.Bundle, error) {
	if _, err := s.Repo.Get(ctx, id); err != nil {
		return nil, domain.Wrap(id, err)
	}
	out, err := s.Evidence.ListByScan(ctx, string(id))
	if err != nil {
		return nil, domain.Wrap(id, err)
	}
	if out == nil {
		out = []evidence.Bundle{}
	}
	return out, nil
}
