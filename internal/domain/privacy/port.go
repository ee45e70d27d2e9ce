package privacy

import (
	"context"
	"errors"
)

// Verdict is the outcome of screening one artifact.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

var ErrUnavailable = errors.New("privacy screen unavailable")

// Artifact is the content handed to the screen.
type Artifact struct {
	ScanID    string
	Name      string
	MediaType string
	Content   []byte
}

// Result of one screen.
type Result struct {
	Verdict  Verdict  `json:"verdict"`
	Reason   string   `json:"reason,omitempty"`
	Findings []string `json:"findings,omitempty"`
}

// Gate screens artifacts for personal data. An error is never a pass.
type Gate interface {
	Screen(ctx context.Context, a Artifact) (Result, error)
}
