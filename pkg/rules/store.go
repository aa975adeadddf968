// Package rules compiles block/allow lists into an immutable store and
// classifies queried names against it.
package rules

import (
	"strings"
)

// Pattern is a normalized list entry. Name is lowercase with no trailing dot.
// Wildcard patterns match the name itself and all of its subdomains.
type Pattern struct {
	Name     string
	Wildcard bool
	Source   string
}

// Decision is the outcome of classifying a single name. For a blocked name,
// Rule carries the matched pattern and Source the list it came from.
type Decision struct {
	Blocked bool
	Rule    string
	Kind    string // exact, wildcard, allow-exact, allow-wildcard
	Source  string
}

// Store is a compiled, immutable rule set. It is built off-path and swapped
// in atomically; readers never observe a partially built store.
type Store struct {
	exact         map[string]string // name -> source
	wildcard      map[string]string // wildcard root -> source
	allowExact    map[string]string
	allowWildcard map[string]string
}

// Compile builds a Store from block and allow patterns. Allow entries that
// name the same pattern as a block entry win regardless of which list was
// loaded first; broader allow/block interactions (an allow entry under a
// blocked wildcard root) are resolved at classification time, where the
// allow set is always consulted first.
func Compile(block, allow []Pattern) *Store {
	s := &Store{
		exact:         make(map[string]string, len(block)),
		wildcard:      make(map[string]string),
		allowExact:    make(map[string]string),
		allowWildcard: make(map[string]string),
	}

	for _, p := range allow {
		if p.Name == "" {
			continue
		}
		if p.Wildcard {
			s.allowWildcard[p.Name] = p.Source
		} else {
			s.allowExact[p.Name] = p.Source
		}
	}

	for _, p := range block {
		if p.Name == "" {
			continue
		}
		if p.Wildcard {
			if _, allowed := s.allowWildcard[p.Name]; allowed {
				continue
			}
			s.wildcard[p.Name] = p.Source
		} else {
			if _, allowed := s.allowExact[p.Name]; allowed {
				continue
			}
			s.exact[p.Name] = p.Source
		}
	}

	return s
}

// NewStore compiles a store from plain domain strings, wildcard entries
// written as "*.example.com". Intended for tests and programmatic setup.
func NewStore(block, allow []string) *Store {
	return Compile(toPatterns(block, "inline"), toPatterns(allow, "inline"))
}

func toPatterns(entries []string, source string) []Pattern {
	patterns := make([]Pattern, 0, len(entries))
	for _, entry := range entries {
		name := Normalize(strings.TrimPrefix(entry, "*."))
		patterns = append(patterns, Pattern{
			Name:     name,
			Wildcard: strings.HasPrefix(entry, "*."),
			Source:   source,
		})
	}
	return patterns
}

// Normalize lowercases a name and strips surrounding whitespace and the
// trailing dot, producing the canonical form stored and queried.
func Normalize(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return strings.TrimSuffix(name, ".")
}

// Classify decides whether a name is blocked. It is a pure function of the
// store contents and the name: the same inputs always produce the same
// decision. The allow set is checked first, so allow entries override block
// entries at any granularity. Block matching checks the exact set, then
// walks the name's suffixes against wildcard roots; the walk starts at the
// full name, so a wildcard root matches itself as well as its subdomains.
func (s *Store) Classify(name string) Decision {
	name = Normalize(name)
	if name == "" {
		return Decision{}
	}

	if source, ok := s.allowExact[name]; ok {
		return Decision{Kind: "allow-exact", Rule: name, Source: source}
	}
	if root, source, ok := s.matchSuffix(s.allowWildcard, name); ok {
		return Decision{Kind: "allow-wildcard", Rule: "*." + root, Source: source}
	}

	if source, ok := s.exact[name]; ok {
		return Decision{Blocked: true, Kind: "exact", Rule: name, Source: source}
	}
	if root, source, ok := s.matchSuffix(s.wildcard, name); ok {
		return Decision{Blocked: true, Kind: "wildcard", Rule: "*." + root, Source: source}
	}

	return Decision{}
}

// matchSuffix walks name and each of its parent suffixes against the given
// root set, stopping at the first hit. Cost is O(label count), independent
// of the rule set size.
func (s *Store) matchSuffix(roots map[string]string, name string) (string, string, bool) {
	if len(roots) == 0 {
		return "", "", false
	}
	for suffix := name; suffix != ""; {
		if source, ok := roots[suffix]; ok {
			return suffix, source, true
		}
		dot := strings.IndexByte(suffix, '.')
		if dot < 0 {
			break
		}
		suffix = suffix[dot+1:]
	}
	return "", "", false
}

// Size returns the number of block entries (exact plus wildcard)
func (s *Store) Size() int {
	return len(s.exact) + len(s.wildcard)
}

// Stats returns entry counts per category
func (s *Store) Stats() map[string]int {
	return map[string]int{
		"exact":          len(s.exact),
		"wildcard":       len(s.wildcard),
		"allow_exact":    len(s.allowExact),
		"allow_wildcard": len(s.allowWildcard),
		"total":          s.Size(),
	}
}
