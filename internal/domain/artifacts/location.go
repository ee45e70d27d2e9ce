package artifacts

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Zone is a trust zone of the object store.
type Zone string

const (
	ZoneRaw        Zone = "raw"
	ZoneQuarantine Zone = "quarantine"
	ZoneGolden     Zone = "golden"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrDigestMismatch = errors.New("object digest mismatch")
	ErrExists         = errors.New("object already exists")
)

// Location addresses one stored artifact.
type Location struct {
	Zone          Zone   `json:"zone"`
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
	ContentDigest string `json:"content_digest"`
	CopiedFrom    string `json:"copied_from,omitempty"`
}

// Ref renders the bucket/key form used for copied_from back references.
func (l Location) Ref() string {
	return l.Bucket + "/" + l.Key
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%s", l.Zone, l.Ref())
}

// Name is the object's file name.
func (l Location) Name() string {
	return path.Base(l.Key)
}

// Layout maps scans and zones onto buckets and keys.
//
//	<raw>/security-scans/<id>/incoming/...
//	<raw>/security-scans/<id>/quarantine/...
//	<golden>/security-scans/<id>/golden/...
//	<raw>/security-scans/<id>/verification-proof.json
type Layout struct {
	RawBucket    string
	GoldenBucket string
}

const scanRoot = "security-scans"

func (l Layout) prefix(scanID string) string {
	return scanRoot + "/" + scanID + "/"
}

// ZonePrefix returns the key prefix holding a scan's objects in zone.
func (l Layout) ZonePrefix(scanID string, z Zone) string {
	switch z {
	case ZoneQuarantine:
		return l.prefix(scanID) + "quarantine/"
	case ZoneGolden:
		return l.prefix(scanID) + "golden/"
	default:
		return l.prefix(scanID) + "incoming/"
	}
}

// Bucket returns the bucket holding zone z.
func (l Layout) Bucket(z Zone) string {
	if z == ZoneGolden {
		return l.GoldenBucket
	}
	return l.RawBucket
}

// Locate builds the location of name inside zone z, without a digest.
func (l Layout) Locate(scanID string, z Zone, name string) Location {
	return Location{Zone: z, Bucket: l.Bucket(z), Key: l.ZonePrefix(scanID, z) + name}
}

// ProofKey is where the verification proof of a scan lives in the raw bucket.
func (l Layout) ProofKey(scanID string) string {
	return l.prefix(scanID) + "verification-proof.json"
}

// EvidenceKey is the archive key of one evidence bundle in the raw bucket.
func (l Layout) EvidenceKey(scanID, evidenceID string) string {
	return l.prefix(scanID) + "evidence/" + evidenceID + ".json"
}

// ParseKey splits a zone key back into scan id, zone and name.
func (l Layout) ParseKey(key string) (scanID string, z Zone, name string, ok bool) {
	rest, found := strings.CutPrefix(key, scanRoot+"/")
	if !found {
		return "", "", "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", "", "", false
	}
	switch parts[1] {
	case "incoming":
		z = ZoneRaw
	case "quarantine":
		z = ZoneQuarantine
	case "golden":
		z = ZoneGolden
	default:
		return "", "", "", false
	}
	return parts[0], z, parts[2], true
}
