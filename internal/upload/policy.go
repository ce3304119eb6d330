package upload

import (
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy bundles the validator's knobs.
type Policy struct {
	AllowedExtensions []string `json:"allowedExtensions" yaml:"allowed_extensions"`
	MaxSizeBytes      int64    `json:"maxSizeBytes" yaml:"-"`
}

// policyFile is the YAML layout of an upload policy file. Sizes are
// written in MB because that is how the limit is shown to users.
type policyFile struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxSizeMB         *float64 `yaml:"max_size_mb"`
}

// DefaultPolicy returns the stock policy: pdf, xlsx, xls, doc, docx up to 100MB.
func DefaultPolicy() Policy {
	return Policy{
		AllowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
		MaxSizeBytes:      DefaultMaxSizeBytes,
	}
}

// Validate runs Validate with this policy's settings.
func (p Policy) Validate(file FileMeta) Outcome {
	return Validate(file, p.AllowedExtensions, p.MaxSizeBytes)
}

// Normalized returns a copy with extensions lowercased and undotted.
func (p Policy) Normalized() Policy {
	return Policy{
		AllowedExtensions: normalizeAll(p.AllowedExtensions),
		MaxSizeBytes:      p.MaxSizeBytes,
	}
}

// LoadPolicy reads a YAML policy file. Keys missing from the file keep
// their default values.
func LoadPolicy(path string) (Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return Policy{}, err
	}
	defer file.Close()

	return ParsePolicy(file)
}

// ParsePolicy parses a YAML policy from r.
func ParsePolicy(r io.Reader) (Policy, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Policy{}, err
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Policy{}, fmt.Errorf("parsing upload policy: %w", err)
	}

	policy := DefaultPolicy()
	if pf.AllowedExtensions != nil {
		policy.AllowedExtensions = normalizeAll(pf.AllowedExtensions)
	}
	if pf.MaxSizeMB != nil {
		if *pf.MaxSizeMB < 0 {
			return Policy{}, fmt.Errorf("max_size_mb must not be negative: %v", *pf.MaxSizeMB)
		}
		policy.MaxSizeBytes = int64(*pf.MaxSizeMB * bytesPerMB)
	}
	return policy, nil
}

// PolicyStore holds the active policy. Sessions read it on every file
// selection, so updates apply to the next selection.
type PolicyStore struct {
	mu     sync.RWMutex
	policy Policy
}

// NewPolicyStore creates a store holding p.
func NewPolicyStore(p Policy) *PolicyStore {
	return &PolicyStore{policy: p.Normalized()}
}

// Get returns a copy of the active policy.
func (s *PolicyStore) Get() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Policy{
		AllowedExtensions: append([]string(nil), s.policy.AllowedExtensions...),
		MaxSizeBytes:      s.policy.MaxSizeBytes,
	}
}

// Set replaces the active policy.
func (s *PolicyStore) Set(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p.Normalized()
}
