package confidence

import (
	"strings"

	"github.com/basket/gatekeep/internal/shared"
)

// Key namespaces. Scores under one namespace never move scores in another.
const (
	NamespaceRouter = "router"
	NamespaceUI     = "ui"
)

var validNamespaces = map[string]bool{NamespaceRouter: true, NamespaceUI: true}

// MakeKey joins namespace and non-blank parts as "<namespace>.<part>...".
func MakeKey(namespace string, parts ...string) (string, error) {
	if !validNamespaces[namespace] {
		return "", shared.ValidationError("confidence.make_key", "unsupported confidence namespace %q", namespace)
	}
	segments := []string{namespace}
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			segments = append(segments, p)
		}
	}
	if len(segments) == 1 {
		return "", shared.ValidationError("confidence.make_key", "at least one key segment is required")
	}
	return strings.Join(segments, "."), nil
}

// ValidateKey requires a known namespace followed by a non-empty remainder.
func ValidateKey(key string) error {
	ns, rest, _ := strings.Cut(key, ".")
	if !validNamespaces[ns] || rest == "" {
		return shared.ValidationError("confidence.validate_key", "confidence key %q must start with 'router.' or 'ui.'", key)
	}
	return nil
}

// Namespace returns the namespace segment of key.
func Namespace(key string) string {
	ns, _, _ := strings.Cut(key, ".")
	return ns
}

// RouterDomainKey is the routing confidence key for a domain.
func RouterDomainKey(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return NamespaceRouter + ".domain"
	}
	return NamespaceRouter + ".domain." + domain
}
