package scans

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Reserved object names inside the incoming prefix.
const (
	BundleName    = "bundle.json"
	SignatureName = "bundle.json.sig"
)

//go:embed schema/manifest.schema.json
var manifestSchemaJSON string

const manifestSchemaURL = "https://scanvault.dev/schemas/bundle-manifest.json"

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchemaJSON)); err != nil {
			manifestSchemaErr = err
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile(manifestSchemaURL)
	})
	return manifestSchema, manifestSchemaErr
}

// ManifestArtifact is one entry of the signed bundle manifest.
type ManifestArtifact struct {
	Name      string `json:"name"`
	SHA256    string `json:"sha256"`
	MediaType string `json:"media_type,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Manifest is the content of bundle.json. Its detached signature is the inner
// signature of the scan.
type Manifest struct {
	Signer    string             `json:"signer"`
	Artifacts []ManifestArtifact `json:"artifacts"`
}

// ParseManifest validates raw bundle.json bytes against the manifest schema
// and the naming rules.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	schema, err := compiledManifestSchema()
	if err != nil {
		return m, fmt.Errorf("compile manifest schema: %w", err)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := schema.Validate(doc); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks the rules the schema cannot express.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Signer) == "" {
		return fmt.Errorf("%w: signer is required", ErrInvalidManifest)
	}
	if len(m.Artifacts) == 0 {
		return fmt.Errorf("%w: no artifacts", ErrInvalidManifest)
	}
	seen := make(map[string]struct{}, len(m.Artifacts))
	for _, a := range m.Artifacts {
		if err := ValidateArtifactName(a.Name); err != nil {
			return err
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: duplicate artifact %q", ErrInvalidManifest, a.Name)
		}
		seen[a.Name] = struct{}{}
		if _, err := hex.DecodeString(a.SHA256); err != nil || len(a.SHA256) != sha256.Size*2 {
			return fmt.Errorf("%w: artifact %q has malformed sha256", ErrInvalidManifest, a.Name)
		}
	}
	return nil
}

// Artifact returns the manifest entry for name.
func (m Manifest) Artifact(name string) (ManifestArtifact, bool) {
	for _, a := range m.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return ManifestArtifact{}, false
}

// ValidateArtifactName rejects names that could escape the scan prefix or
// shadow the bundle objects.
func ValidateArtifactName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: invalid artifact name %q", ErrInvalidManifest, name)
	case strings.ContainsAny(name, `/\`), strings.Contains(name, ".."):
		return fmt.Errorf("%w: artifact name %q must be a plain file name", ErrInvalidManifest, name)
	case name == BundleName, name == SignatureName:
		return fmt.Errorf("%w: artifact name %q is reserved", ErrInvalidManifest, name)
	}
	return nil
}

// Digest returns the lowercase hex sha256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
