package memory

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/gatekeep/internal/persistence"
)

const (
	ReasonTypeNotAllowed     = "memory_type is not allowed"
	ReasonSourceNotReviewed  = "memory writes require manual_review source"
	ReasonEphemeral          = "ephemeral memory cannot be persisted"
	ReasonSecretContent      = "content appears to contain secrets"
	ReasonIdentityNotRequest = "identity_sensitive memory requires explicit user request"
)

// DefaultSecretPatterns apply when no memory_policy.yaml exists.
var DefaultSecretPatterns = []string{
	`(?i)sk-[a-z0-9]{16,}`,
	`(?i)api[_-]?key\s*[:=]\s*\S+`,
	`(?i)bearer\s+[a-z0-9\-_.~+/]+=*`,
	`(?i)password\s*[:=]\s*\S+`,
}

// Policy is the write policy applied when a proposal is approved.
type Policy struct {
	SecretPatterns []string `yaml:"secret_patterns"`

	compiled []*regexp.Regexp
}

func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultSecretPatterns)
	if err != nil {
		panic(err)
	}
	return p
}

// NewPolicy compiles patterns. An empty list disables the secret check.
func NewPolicy(patterns []string) (*Policy, error) {
	p := &Policy{SecretPatterns: append([]string{}, patterns...)}
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile secret pattern %q: %w", pat, err)
		}
		p.compiled = append(p.compiled, re)
	}
	return p, nil
}

// LoadPolicy reads memory_policy.yaml. A missing file yields DefaultPolicy; a
// file without secret_patterns disables the secret check.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("read memory policy: %w", err)
	}
	var raw Policy
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse memory policy: %w", err)
		}
	}
	return NewPolicy(raw.SecretPatterns)
}

func (p *Policy) containsSecret(content string) bool {
	for _, re := range p.compiled {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// ValidateWrite collects every reason the proposal may not become a durable
// memory. ok is true only when reasons is empty.
func (p *Policy) ValidateWrite(prop persistence.MemoryProposal) (ok bool, reasons []string) {
	if !knownType(prop.MemoryType) {
		reasons = append(reasons, ReasonTypeNotAllowed)
	}
	if prop.Source != SourceManualReview {
		reasons = append(reasons, ReasonSourceNotReviewed)
	}
	if prop.MemoryType == TypeEphemeral {
		reasons = append(reasons, ReasonEphemeral)
	}
	if p.containsSecret(prop.Content) {
		reasons = append(reasons, ReasonSecretContent)
	}
	if prop.MemoryType == TypeIdentitySensitive && !prop.ExplicitUserRequest {
		reasons = append(reasons, ReasonIdentityNotRequest)
	}
	return len(reasons) == 0, reasons
}
