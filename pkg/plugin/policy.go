package plugin

import (
	"fmt"
	"strings"

	xerrors "WAMP-Orchestrator/internal/errors"
)

// URIPolicy restricts the URIs a plugin may register or subscribe to. A
// denied prefix always wins; an empty allow list permits everything else.
type URIPolicy struct {
	AllowedPrefixes []string `yaml:"allowedPrefixes" json:"allowedPrefixes,omitempty"`
	DeniedPrefixes  []string `yaml:"deniedPrefixes" json:"deniedPrefixes,omitempty"`
}

// Empty reports whether the policy restricts nothing.
func (p URIPolicy) Empty() bool {
	return len(p.AllowedPrefixes) == 0 && len(p.DeniedPrefixes) == 0
}

// Merge returns a new policy using values from other when not present.
func (p URIPolicy) Merge(other URIPolicy) URIPolicy {
	if len(p.AllowedPrefixes) == 0 {
		p.AllowedPrefixes = other.AllowedPrefixes
	}
	if len(p.DeniedPrefixes) == 0 {
		p.DeniedPrefixes = other.DeniedPrefixes
	}
	return p
}

// MergePolicies combines the default and plugin specific policies.
func MergePolicies(defaults URIPolicy, plugin *URIPolicy) URIPolicy {
	if plugin == nil {
		return defaults
	}
	return plugin.Merge(defaults)
}

// Allows reports whether uri passes the policy.
func (p URIPolicy) Allows(uri string) error {
	for _, prefix := range p.DeniedPrefixes {
		if hasURIPrefix(uri, prefix) {
			return fmt.Errorf("uri %s is under denied prefix %s", uri, prefix)
		}
	}
	if len(p.AllowedPrefixes) == 0 {
		return nil
	}
	for _, prefix := range p.AllowedPrefixes {
		if hasURIPrefix(uri, prefix) {
			return nil
		}
	}
	return fmt.Errorf("uri %s is outside the allowed prefixes", uri)
}

// Check validates every URI pl declares against the policy.
func (p URIPolicy) Check(pl Plugin) error {
	var reqs []Request
	reqs = append(reqs, rpcRequests(pl.RPCs())...)
	reqs = append(reqs, subscriptionRequests(pl.Subscriptions())...)
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, pl.Name())
		}
		if err := p.Allows(req.URI); err != nil {
			return xerrors.Wrap(xerrors.CodePolicyViolation, err, pl.Name(),
				xerrors.WithMetadata("kind", string(req.Kind)),
				xerrors.WithMetadata("uri", req.URI))
		}
	}
	return nil
}

// hasURIPrefix matches whole segments: "com.app" covers "com.app" and
// "com.app.x" but not "com.apple".
func hasURIPrefix(uri, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(uri, prefix) {
		return false
	}
	return len(uri) == len(prefix) || uri[len(prefix)] == '.'
}
