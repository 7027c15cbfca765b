package redact

import (
	"fmt"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// SecretDetector matches values that look like credentials according to
// the gitleaks default rule set (cloud keys, VCS tokens, private keys, ...).
type SecretDetector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewSecretDetector loads the gitleaks default configuration.
func NewSecretDetector() (*SecretDetector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading secret detection rules: %w", err)
	}
	return &SecretDetector{detector: d}, nil
}

// MatchString implements ValueMatcher.
func (s *SecretDetector) MatchString(v string) bool {
	if s == nil || len(v) < 8 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.detector.DetectString(v)) > 0
}
