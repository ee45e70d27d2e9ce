package scans

import (
	"context"
	"errors"
	"fmt"
)

// Code is the stable error code surfaced to callers and stored as upload_reason.
type Code string

const (
	CodeScanNotFound         Code = "ScanNotFound"
	CodeInvalidTier          Code = "InvalidTier"
	CodeInvalidManifest      Code = "InvalidManifest"
	CodeInvalidTransition    Code = "InvalidTransition"
	CodeScanNotReady         Code = "ScanNotReady"
	CodeAlreadyInProgress    Code = "AlreadyInProgress"
	CodeVerificationTimeout  Code = "VerificationTimeout"
	CodeVerificationRejected Code = "VerificationRejected"
	CodeArtifactMutated      Code = "ArtifactMutatedDuringVerification"
	CodeProofMismatch        Code = "ProofMismatch"
	CodeCancelled            Code = "Cancelled"
	CodeLockExpired          Code = "LockExpired"
	CodeUnavailable          Code = "Unavailable"
	CodeNotEligible          Code = "NotEligibleForPromotion"
	CodePrivacyScreenFailed  Code = "PrivacyScreenFailed"
	CodeStorageIntegrity     Code = "StorageIntegrity"
	CodeArtifactNotFound     Code = "ArtifactNotFound"
	CodeDuplicateScan        Code = "DuplicateScan"
	CodeQueueFull            Code = "QueueFull"
	CodeInternal             Code = "Internal"
)

var (
	ErrScanNotFound         = errors.New("scan not found")
	ErrInvalidTier          = errors.New("invalid tier")
	ErrInvalidManifest      = errors.New("invalid manifest")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrScanNotReady         = errors.New("scan has not succeeded")
	ErrAlreadyInProgress    = errors.New("upload already in progress")
	ErrVerificationTimeout  = errors.New("verification timed out")
	ErrVerificationRejected = errors.New("verification rejected")
	ErrArtifactMutated      = errors.New("artifact mutated during verification")
	ErrProofMismatch        = errors.New("re-verification does not reproduce stored proof")
	ErrCancelled            = errors.New("cancelled")
	ErrLockExpired          = errors.New("upload lock expired")
	ErrUnavailable          = errors.New("backend unavailable")
	ErrNotEligible          = errors.New("scan not eligible for promotion")
	ErrPrivacyScreenFailed  = errors.New("privacy screen failed")
	ErrStorageIntegrity     = errors.New("storage integrity check failed")
	ErrArtifactNotFound     = errors.New("artifact not found")
	ErrDuplicateScan        = errors.New("scan already exists")
	ErrQueueFull            = errors.New("work queue full")
)

var sentinelCodes = []struct {
	err  error
	code Code
}{
	{ErrScanNotFound, CodeScanNotFound},
	{ErrInvalidTier, CodeInvalidTier},
	{ErrInvalidManifest, CodeInvalidManifest},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrScanNotReady, CodeScanNotReady},
	{ErrAlreadyInProgress, CodeAlreadyInProgress},
	{ErrArtifactMutated, CodeArtifactMutated},
	{ErrProofMismatch, CodeProofMismatch},
	{ErrVerificationRejected, CodeVerificationRejected},
	{ErrVerificationTimeout, CodeVerificationTimeout},
	{ErrCancelled, CodeCancelled},
	{ErrLockExpired, CodeLockExpired},
	{ErrUnavailable, CodeUnavailable},
	{ErrNotEligible, CodeNotEligible},
	{ErrPrivacyScreenFailed, CodePrivacyScreenFailed},
	{ErrStorageIntegrity, CodeStorageIntegrity},
	{ErrArtifactNotFound, CodeArtifactNotFound},
	{ErrDuplicateScan, CodeDuplicateScan},
	{ErrQueueFull, CodeQueueFull},
}

// Error wraps a failure with the scan it belongs to and a stable code.
type Error struct {
	ScanID ScanID
	Code   Code
	Err    error
}

func (e *Error) Error() string {
	if e.ScanID == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("scan %s: %s: %v", e.ScanID, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches scan id and code. An existing *Error keeps its code.
func Wrap(id ScanID, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.ScanID == "" {
			se.ScanID = id
		}
		return err
	}
	return &Error{ScanID: id, Code: CodeOf(err), Err: err}
}

// CodeOf classifies err. Context cancellation maps to Cancelled and deadline
// expiry to VerificationTimeout.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeVerificationTimeout
	}
	return CodeInternal
}

// Retriable reports whether a failed upload with this code may be attempted
// again on the same scan.
func Retriable(c Code) bool {
	switch c {
	case CodeVerificationTimeout, CodeCancelled, CodeLockExpired, CodeUnavailable, CodeQueueFull, CodeInternal:
		return true
	default:
		return false
	}
}
