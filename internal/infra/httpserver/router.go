package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/application/promotion"
	appscans "github.com/bryanwahyu/scanvault/internal/application/scans"
	"github.com/bryanwahyu/scanvault/internal/application/uploads"
	domain "github.com/bryanwahyu/scanvault/internal/domain/scans"
	"github.com/bryanwahyu/scanvault/internal/infra/workers"
	"github.com/bryanwahyu/scanvault/internal/middleware"
)

const defaultMaxBody = 32 << 20

// Queue accepts background tasks.
type Queue interface {
	Submit(t workers.Task) error
}

// Services is what the router serves.
type Services struct {
	Intake   *appscans.Service
	Uploads  *uploads.Broker
	Promoter *promotion.Orchestrator
	// Queue runs async upload completions. Nil runs them inline.
	Queue  Queue
	Health map[string]middleware.HealthChecker
	Gauges middleware.Gauges
	Logger *zap.Logger
	// MaxBodyBytes caps artifact and manifest bodies.
	MaxBodyBytes int64
}

type Router struct {
	svc Services
	log *zap.Logger
}

func NewRouter(svc Services) http.Handler {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	if svc.MaxBodyBytes <= 0 {
		svc.MaxBodyBytes = defaultMaxBody
	}
	r := &Router{svc: svc, log: svc.Logger}
	mux := chi.NewRouter()

	mux.Get("/health", middleware.LivenessHandler)
	mux.Get("/healthz", middleware.LivenessHandler)
	mux.Get("/readyz", middleware.HealthHandler(svc.Health))
	mux.Get("/metrics", middleware.MetricsHandler(svc.Gauges))

	mux.Post("/security-scans", r.wrap(r.handleSubmit))
	mux.Post("/promote-to-golden", r.wrap(r.handlePromote))
	mux.Route("/security-scans/{scan_id}", func(rt chi.Router) {
		rt.Use(r.scanScope)
		rt.Get("/", r.wrap(r.handleGet))
		rt.Put("/artifacts/{name}", r.wrap(r.handleLand))
		rt.Post("/status", r.wrap(r.handleStatus))
		rt.Post("/upload-request", r.wrap(r.handleUploadRequest))
		rt.Get("/evidence", r.wrap(r.handleEvidence))
		rt.Post("/quarantine/{name}/resubmit", r.wrap(r.handleResubmit))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// errorBody is every non-2xx JSON response.
type errorBody struct {
	Error              string              `json:"error"`
	Code               domain.Code         `json:"code"`
	ScanID             domain.ScanID       `json:"scan_id,omitempty"`
	UploadStatus       domain.UploadStatus `json:"upload_status,omitempty"`
	UploadPermissionID string              `json:"upload_permission_id,omitempty"`
	Retriable          *bool               `json:"retriable,omitempty"`
}

// uploadError carries the decided upload state along with the failure.
type uploadError struct {
	res uploads.Result
	err error
}

func (e *uploadError) Error() string { return e.err.Error() }
func (e *uploadError) Unwrap() error { return e.err }

const codeInvalidInput domain.Code = "InvalidInput"

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeScanNotFound, domain.CodeArtifactNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidTier, domain.CodeInvalidManifest, codeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeInvalidTransition, domain.CodeScanNotReady, domain.CodeAlreadyInProgress,
		domain.CodeNotEligible, domain.CodeDuplicateScan, domain.CodeLockExpired:
		return http.StatusConflict
	case domain.CodeVerificationRejected, domain.CodeArtifactMutated, domain.CodeProofMismatch,
		domain.CodePrivacyScreenFailed:
		return http.StatusUnprocessableEntity
	case domain.CodeVerificationTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeCancelled:
		return http.StatusRequestTimeout
	case domain.CodeUnavailable, domain.CodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		body := errorBody{Error: err.Error(), Code: domain.CodeOf(err), ScanID: domain.ScanID(chi.URLParam(req, "scan_id"))}
		if errors.Is(err, middleware.ErrInvalidInput) {
			body.Code = codeInvalidInput
		}
		var se *domain.Error
		if errors.As(err, &se) && se.ScanID != "" {
			body.ScanID = se.ScanID
		}
		var ue *uploadError
		if errors.As(err, &ue) {
			body.UploadStatus = ue.res.UploadStatus
			body.UploadPermissionID = ue.res.UploadPermissionID
			if ue.res.UploadStatus == domain.UploadFailed {
				retriable := domain.Retriable(body.Code)
				body.Retriable = &retriable
			}
		}
		status := statusFor(body.Code)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
		}
		if status >= http.StatusInternalServerError {
			r.log.Error("request failed",
				zap.String("path", req.URL.Path),
				zap.String("scan_id", string(body.ScanID)),
				zap.String("code", string(body.Code)),
				zap.Error(err))
		}
		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func decode(req *http.Request, v any) error {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", middleware.ErrInvalidInput, err)
	}
	return nil
}

func scanID(req *http.Request) domain.ScanID {
	return domain.ScanID(chi.URLParam(req, "scan_id"))
}

// scanScope checks the scan id and, under API-key auth, that the scan
// belongs to the caller's workspace. Foreign scans look missing.
func (r *Router) scanScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		err := r.authorize(req.Context(), scanID(req))
		if err != nil {
			r.wrap(func(http.ResponseWriter, *http.Request) error { return err })(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) authorize(ctx context.Context, id domain.ScanID) error {
	if err := middleware.ValidateScanID(string(id)); err != nil {
		return err
	}
	ws := middleware.WorkspaceFromContext(ctx)
	if ws == "" {
		return nil
	}
	rec, err := r.svc.Intake.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.WorkspaceID != ws {
		return domain.Wrap(id, domain.ErrScanNotFound)
	}
	return nil
}

// POST /security-scans
// Body: {"workspace_id","component_id","assessment_id","tier","manifest","signature"}
// manifest is the bundle.json document itself, or its base64 when the exact
// signed bytes must survive re-encoding.
func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		WorkspaceID  string          `json:"workspace_id"`
		ComponentID  string          `json:"component_id"`
		AssessmentID string          `json:"assessment_id"`
		Tier         string          `json:"tier"`
		Manifest     json.RawMessage `json:"manifest"`
		Signature    string          `json:"signature"`
	}
	req.Body = http.MaxBytesReader(w, req.Body, r.svc.MaxBodyBytes)
	if err := decode(req, &body); err != nil {
		return err
	}
	if err := middleware.ValidateIdentifier("workspace_id", body.WorkspaceID); err != nil {
		return err
	}
	if err := middleware.ValidateIdentifier("component_id", body.ComponentID); err != nil {
		return err
	}
	if body.AssessmentID != "" {
		if err := middleware.ValidateIdentifier("assessment_id", body.AssessmentID); err != nil {
			return err
		}
	}
	if ws := middleware.WorkspaceFromContext(req.Context()); ws != "" && ws != body.WorkspaceID {
		return fmt.Errorf("%w: workspace_id does not match the API key", middleware.ErrInvalidInput)
	}
	manifest, err := manifestBytes(body.Manifest)
	if err != nil {
		return err
	}

	rec, err := r.svc.Intake.Submit(req.Context(), appscans.SubmitCommand{
		WorkspaceID:  body.WorkspaceID,
		ComponentID:  body.ComponentID,
		AssessmentID: body.AssessmentID,
		Tier:         body.Tier,
		Manifest:     manifest,
		Signature:    []byte(body.Signature),
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, map[string]any{
		"scan_id":         rec.ID,
		"status":          rec.Status,
		"upload_status":   rec.UploadStatus,
		"promotion_state": rec.PromotionState,
	})
}

func manifestBytes(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: manifest is required", middleware.ErrInvalidInput)
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", middleware.ErrInvalidInput, err)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest is neither an object nor base64", middleware.ErrInvalidInput)
	}
	return b, nil
}

// PUT /security-scans/{scan_id}/artifacts/{name}
func (r *Router) handleLand(w http.ResponseWriter, req *http.Request) error {
	id := scanID(req)
	content, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.svc.MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", middleware.ErrInvalidInput, err)
	}
	loc, err := r.svc.Intake.LandArtifact(req.Context(), id, chi.URLParam(req, "name"), content, req.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, loc)
}

// POST /security-scans/{scan_id}/status
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	rec, err := r.svc.Intake.UpdateStatus(req.Context(), scanID(req), body.Status)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rec)
}

// POST /security-scans/{scan_id}/upload-request
// Body: {"tier": "basic"|"verified", "async": false}
func (r *Router) handleUploadRequest(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Tier  string `json:"tier"`
		Async bool   `json:"async"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	id := scanID(req)

	if !body.Async || r.svc.Queue == nil {
		res, err := r.svc.Uploads.RequestUpload(req.Context(), id, body.Tier)
		return r.uploadResponse(w, http.StatusOK, res, err)
	}

	a, decided, err := r.svc.Uploads.Begin(req.Context(), id, body.Tier)
	switch {
	case decided != nil:
		return r.uploadResponse(w, http.StatusOK, *decided, err)
	case err != nil:
		return err
	}

	// 🚀 Complete jalan di worker pool, client cukup polling GET
	task := workers.Task{Name: "upload-complete", ScanID: id, Run: func(ctx context.Context) error {
		res, err := r.svc.Uploads.Complete(ctx, a)
		countUpload(res)
		return err
	}}
	if err := r.svc.Queue.Submit(task); err != nil {
		res, ferr := r.svc.Uploads.Abandon(req.Context(), a, err)
		return r.uploadResponse(w, http.StatusOK, res, ferr)
	}
	return writeJSON(w, http.StatusAccepted, uploads.Result{
		ScanID:             id,
		UploadPermissionID: a.PermissionID,
		UploadStatus:       domain.UploadPending,
		Tier:               a.Tier,
	})
}

func countUpload(res uploads.Result) {
	switch res.UploadStatus {
	case domain.UploadPermitted, domain.UploadUploaded:
		middleware.IncrementPermitted()
	case domain.UploadFailed:
		middleware.IncrementUploadFails()
	}
}

func (r *Router) uploadResponse(w http.ResponseWriter, status int, res uploads.Result, err error) error {
	countUpload(res)
	if err != nil {
		return &uploadError{res: res, err: err}
	}
	return writeJSON(w, status, res)
}

// GET /security-scans/{scan_id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	rec, err := r.svc.Intake.Get(req.Context(), scanID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rec)
}

// GET /security-scans/{scan_id}/evidence
func (r *Router) handleEvidence(w http.ResponseWriter, req *http.Request) error {
	list, err := r.svc.Intake.ListEvidence(req.Context(), scanID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// POST /promote-to-golden
// Body: {"scan_id": "<id>"}
func (r *Router) handlePromote(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		ScanID string `json:"scan_id"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	id := domain.ScanID(body.ScanID)
	if err := r.authorize(req.Context(), id); err != nil {
		return err
	}
	out, err := r.svc.Promoter.Promote(req.Context(), id)
	if err != nil {
		return err
	}
	return r.promotionResponse(w, out)
}

func (r *Router) promotionResponse(w http.ResponseWriter, out promotion.Outcome) error {
	switch out.State {
	case domain.PromotionGolden:
		middleware.IncrementPromotions()
	case domain.PromotionQuarantined:
		middleware.IncrementQuarantines()
	}
	return writeJSON(w, http.StatusOK, out)
}

// POST /security-scans/{scan_id}/quarantine/{name}/resubmit
// Header X-Reviewer wajib diisi
func (r *Router) handleResubmit(w http.ResponseWriter, req *http.Request) error {
	reviewer := req.Header.Get("X-Reviewer")
	if err := middleware.ValidateReviewer(reviewer); err != nil {
		return err
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.svc.MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", middleware.ErrInvalidInput, err)
	}
	if len(content) == 0 {
		return fmt.Errorf("%w: empty artifact body", middleware.ErrInvalidInput)
	}
	out, err := r.svc.Promoter.Resubmit(req.Context(), scanID(req), chi.URLParam(req, "name"), reviewer, content)
	if err != nil {
		return err
	}
	return r.promotionResponse(w, out)
}
