package ohpath

import (
	"sort"
	"strings"

	"github.com/oh-db/oh_db/internal/ohdberr"
)

// doubleStar is the sentinel component pattern for "**": zero or more
// whole path components.
const doubleStar = "**"

// Glob is a compiled glob pattern (spec §4.1). A glob containing brace
// groups compiles to one pattern per element of the cartesian product of
// its brace expansions; Match and Expand take the union across all of
// them.
type Glob struct {
	raw        string
	components [][]string // one []string per brace-expansion alternative
}

// Raw returns the original, uncompiled glob string.
func (g *Glob) Raw() string { return g.raw }

// Compile parses and validates a glob pattern. Globs are absolute, like
// paths; unlike paths, components may contain '?', '*', or be the
// literal "**", and "{a,b}" alternation is expanded before compilation.
func Compile(raw string) (*Glob, *ohdberr.Error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, ohdberr.Newf(ohdberr.NonAbsolutePath, "glob %q is not absolute", raw)
	}

	expansions, err := expandBraces(raw)
	if err != nil {
		return nil, err
	}

	g := &Glob{raw: raw}
	for _, exp := range expansions {
		rest := exp[1:]
		var components []string
		if rest != "" {
			components = strings.Split(rest, "/")
			for _, c := range components {
				if c == "" {
					return nil, ohdberr.Newf(ohdberr.EmptyComponent, "glob %q contains an empty component", raw)
				}
			}
		}
		g.components = append(g.components, components)
	}
	return g, nil
}

// expandBraces expands "{a,b,c}" groups, recursively, into the lexically
// sorted set of concrete strings they denote. A glob with no braces
// expands to itself.
func expandBraces(s string) ([]string, *ohdberr.Error) {
	open := strings.IndexByte(s, '{')
	if open < 0 {
		return []string{s}, nil
	}

	depth := 0
	close := -1
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				close = i
			}
		}
		if close >= 0 {
			break
		}
	}
	if close < 0 {
		return nil, ohdberr.Newf(ohdberr.InvalidCharacter, "glob %q has an unclosed brace group", s)
	}

	prefix := s[:open]
	inner := s[open+1 : close]
	suffix := s[close+1:]

	alts := splitTopLevel(inner)
	var out []string
	for _, alt := range alts {
		combined := prefix + alt + suffix
		expanded, err := expandBraces(combined)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	sort.Strings(out)
	return dedupe(out), nil
}

// splitTopLevel splits s on commas that are not nested inside another
// brace group.
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func dedupe(ss []string) []string {
	out := ss[:0]
	var last string
	for i, s := range ss {
		if i == 0 || s != last {
			out = append(out, s)
			last = s
		}
	}
	return out
}

// Match reports whether the concrete path p matches the glob.
func (g *Glob) Match(p Path) bool {
	for _, alt := range g.components {
		if matchComponents(alt, p.Components) {
			return true
		}
	}
	return false
}

// matchComponents matches a compiled component-pattern list against a
// concrete component list, handling "**" via backtracking: it is
// equivalent to trying every split point for the components consumed by
// "**", which terminates because the component list only shrinks.
func matchComponents(pattern, concrete []string) bool {
	if len(pattern) == 0 {
		return len(concrete) == 0
	}
	head, rest := pattern[0], pattern[1:]
	if head == doubleStar {
		// "**" may consume zero or more whole components.
		for n := 0; n <= len(concrete); n++ {
			if matchComponents(rest, concrete[n:]) {
				return true
			}
		}
		return false
	}
	if len(concrete) == 0 {
		return false
	}
	if !matchComponent(head, concrete[0]) {
		return false
	}
	return matchComponents(rest, concrete[1:])
}

// matchComponent matches a single-component pattern (literal chars, '?'
// for any one character, '*' for any run of characters) against a single
// concrete name. Neither side can contain '/': components never do.
// Classic two-pointer wildcard match with backtracking on '*', O(|pattern|*|name|).
func matchComponent(pattern, name string) bool {
	var pi, ni int
	var starIdx = -1
	var matchIdx int

	for ni < len(name) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == name[ni]):
			pi++
			ni++
		case pi < len(pattern) && pattern[pi] == '*':
			starIdx = pi
			matchIdx = ni
			pi++
		case starIdx != -1:
			pi = starIdx + 1
			matchIdx++
			ni = matchIdx
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// Lister abstracts the tree's ability to enumerate the children of a
// directory, so Expand can walk arbitrary fan-out without this package
// depending on the tree package.
type Lister interface {
	// ListChildren returns the names of dir's children in the store. ok
	// is false if dir does not exist or is not a directory.
	ListChildren(dir Path) (names []string, ok bool)
}

// Expand enumerates every concrete path currently in the tree (as seen
// through lister) that matches the glob. Results are deduplicated by
// final concrete path across brace alternatives.
func (g *Glob) Expand(lister Lister) []Path {
	seen := make(map[string]struct{})
	var out []Path
	for _, alt := range g.components {
		expandComponents(lister, Root(), alt, &out, seen)
	}
	return out
}

func expandComponents(lister Lister, base Path, pattern []string, out *[]Path, seen map[string]struct{}) {
	if len(pattern) == 0 {
		key := base.String()
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			*out = append(*out, base)
		}
		return
	}

	head, rest := pattern[0], pattern[1:]
	if head == doubleStar {
		// Zero components consumed.
		expandComponents(lister, base, rest, out, seen)
		// One or more: recurse into every child, re-offering "**" itself
		// so it can consume further levels.
		names, ok := lister.ListChildren(base)
		if !ok {
			return
		}
		for _, name := range names {
			expandComponents(lister, base.Child(name), pattern, out, seen)
		}
		return
	}

	names, ok := lister.ListChildren(base)
	if !ok {
		return
	}
	for _, name := range names {
		if matchComponent(head, name) {
			expandComponents(lister, base.Child(name), rest, out, seen)
		}
	}
}
