// Package ohpath implements absolute path validation and glob
// compilation/matching/enumeration for the tree engine (spec §4.1).
package ohpath

import (
	"strings"

	"github.com/oh-db/oh_db/internal/ohdberr"
)

// invalidChars is the exact character set spec §3 forbids in a name:
// "/\:,?*[]!" -- note this includes '/' and the glob metacharacters '*'
// and '?', since names are never allowed to look like glob fragments.
const invalidChars = "/\\:,?*[]!"

// invalidWhitespace is the set of whitespace runes spec §3 forbids in a
// name: vertical tab, horizontal tab, newline, carriage return, and the
// no-break space (U+00A0).
var invalidWhitespace = []rune{'\v', '\t', '\n', '\r', 0x00A0}

// Path is a parsed, validated absolute path: a possibly-empty sequence of
// name components. An empty Components slice denotes the root "/".
type Path struct {
	Components []string
}

// Root is the path "/".
func Root() Path { return Path{} }

// String renders the path back to its canonical absolute form.
func (p Path) String() string {
	if len(p.Components) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.Components, "/")
}

// Child returns the path for a child name under p.
func (p Path) Child(name string) Path {
	out := make([]string, len(p.Components)+1)
	copy(out, p.Components)
	out[len(p.Components)] = name
	return Path{Components: out}
}

// Parent returns the path's parent and its own final component. Calling
// Parent on the root path returns (Root(), "", false).
func (p Path) Parent() (parent Path, name string, ok bool) {
	if len(p.Components) == 0 {
		return Root(), "", false
	}
	n := len(p.Components)
	parentComponents := make([]string, n-1)
	copy(parentComponents, p.Components[:n-1])
	return Path{Components: parentComponents}, p.Components[n-1], true
}

// ValidateName validates a single path component in isolation -- used
// both when parsing a full path and when a request supplies a bare name
// alongside a separately-validated parent path (CreateNode, RemoveNode).
func ValidateName(name string) *ohdberr.Error {
	if name == "" {
		return ohdberr.New(ohdberr.EmptyComponent, "name is empty")
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return ohdberr.Newf(ohdberr.Dotfile, "name %q begins with '.'", name)
	}
	if i := strings.IndexAny(name, invalidChars); i >= 0 {
		return ohdberr.Newf(ohdberr.InvalidCharacter, "name %q contains invalid character %q", name, name[i])
	}
	for _, bad := range invalidWhitespace {
		if strings.ContainsRune(name, bad) {
			return ohdberr.Newf(ohdberr.InvalidWhitespace, "name %q contains invalid whitespace", name)
		}
	}
	return nil
}

// Parse validates and parses a raw absolute path string into a Path.
func Parse(raw string) (Path, *ohdberr.Error) {
	if !strings.HasPrefix(raw, "/") {
		return Path{}, ohdberr.Newf(ohdberr.NonAbsolutePath, "path %q is not absolute", raw)
	}
	rest := raw[1:]
	if rest == "" {
		return Root(), nil
	}
	parts := strings.Split(rest, "/")
	for _, part := range parts {
		if part == "" {
			return Path{}, ohdberr.Newf(ohdberr.EmptyComponent, "path %q contains an empty component", raw)
		}
		if err := ValidateName(part); err != nil {
			return Path{}, err
		}
	}
	return Path{Components: parts}, nil
}
