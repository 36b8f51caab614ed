package wamp

import (
	"fmt"
	"strings"
)

// ValidateURI checks uri against the rules that apply to match.
//
// Exact and prefix URIs must not contain empty segments. Wildcard URIs may
// contain empty segments, which match any single segment, but need at least
// one non-empty segment.
func ValidateURI(uri string, match Match) error {
	if uri == "" {
		return fmt.Errorf("%w: empty uri", ErrInvalidURI)
	}
	if !match.Valid() {
		return fmt.Errorf("%w: unknown match policy %q", ErrOptionNotSupported, match)
	}
	segments := strings.Split(uri, ".")
	nonEmpty := 0
	for _, seg := range segments {
		if seg == "" {
			if match.OrExact() != MatchWildcard {
				return fmt.Errorf("%w: %q has an empty segment", ErrInvalidURI, uri)
			}
			continue
		}
		if strings.ContainsAny(seg, " \t\r\n#") {
			return fmt.Errorf("%w: %q contains an illegal character", ErrInvalidURI, uri)
		}
		nonEmpty++
	}
	if nonEmpty == 0 {
		return fmt.Errorf("%w: %q has no named segment", ErrInvalidURI, uri)
	}
	return nil
}

// MatchURI reports whether uri is selected by pattern under match.
func MatchURI(pattern string, match Match, uri string) bool {
	switch match.OrExact() {
	case MatchExact:
		return pattern == uri
	case MatchPrefix:
		return strings.HasPrefix(uri, pattern)
	case MatchWildcard:
		want := strings.Split(pattern, ".")
		got := strings.Split(uri, ".")
		if len(want) != len(got) {
			return false
		}
		for i, seg := range want {
			if seg != "" && seg != got[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Pattern pairs a URI with its match policy.
type Pattern struct {
	URI   string
	Match Match
}

// BestMatch returns the index of the pattern that should receive a call to
// uri, or -1. Exact beats prefix, prefix beats wildcard. Among prefixes the
// longest wins; among wildcards the one with the most named segments wins.
// Remaining ties go to the earliest pattern.
func BestMatch(patterns []Pattern, uri string) int {
	best, bestRank, bestWeight := -1, 0, -1
	for i, p := range patterns {
		if !MatchURI(p.URI, p.Match, uri) {
			continue
		}
		rank, weight := precedence(p)
		if best == -1 || rank > bestRank || (rank == bestRank && weight > bestWeight) {
			best, bestRank, bestWeight = i, rank, weight
		}
	}
	return best
}

func precedence(p Pattern) (rank, weight int) {
	switch p.Match.OrExact() {
	case MatchExact:
		return 3, len(p.URI)
	case MatchPrefix:
		return 2, len(p.URI)
	default:
		named := 0
		for _, seg := range strings.Split(p.URI, ".") {
			if seg != "" {
				named++
			}
		}
		return 1, named
	}
}
