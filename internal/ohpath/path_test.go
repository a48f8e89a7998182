package ohpath

import (
	"testing"

	"github.com/oh-db/oh_db/internal/ohdberr"
	"github.com/stretchr/testify/require"
)

func TestParseRoot(t *testing.T) {
	p, err := Parse("/")
	require.Nil(t, err)
	require.Empty(t, p.Components)
	require.Equal(t, "/", p.String())
}

func TestParseNested(t *testing.T) {
	p, err := Parse("/a/b/c")
	require.Nil(t, err)
	require.Equal(t, []string{"a", "b", "c"}, p.Components)
	require.Equal(t, "/a/b/c", p.String())
}

func TestParseNonAbsolute(t *testing.T) {
	_, err := Parse("a/b")
	require.NotNil(t, err)
	require.Equal(t, ohdberr.NonAbsolutePath, err.Name)
}

func TestParseEmptyComponent(t *testing.T) {
	for _, raw := range []string{"//", "/foo/", "/foo//bar"} {
		_, err := Parse(raw)
		require.NotNil(t, err, raw)
		require.Equal(t, ohdberr.EmptyComponent, err.Name, raw)
	}
}

func TestParseDotfile(t *testing.T) {
	for _, raw := range []string{"/.", "/..", "/.foo", "/a/.b"} {
		_, err := Parse(raw)
		require.NotNil(t, err, raw)
		require.Equal(t, ohdberr.Dotfile, err.Name, raw)
	}
}

func TestParseInvalidCharacter(t *testing.T) {
	for _, ch := range []string{"\\", ":", ",", "?", "*", "[", "]", "!"} {
		_, err := Parse("/a" + ch + "b")
		require.NotNil(t, err, ch)
		require.Equal(t, ohdberr.InvalidCharacter, err.Name, ch)
	}

	// Inside a full path '/' is the separator, so it can only be rejected
	// in a bare name.
	err := ValidateName("a/b")
	require.NotNil(t, err)
	require.Equal(t, ohdberr.InvalidCharacter, err.Name)
}

func TestParseInvalidWhitespace(t *testing.T) {
	for _, ch := range []string{"\v", "\t", "\n", "\r", " "} {
		_, err := Parse("/a" + ch + "b")
		require.NotNil(t, err, ch)
		require.Equal(t, ohdberr.InvalidWhitespace, err.Name, ch)
	}
}

func TestParseAllowsPlainSpace(t *testing.T) {
	p, err := Parse("/a b")
	require.Nil(t, err)
	require.Equal(t, []string{"a b"}, p.Components)
}

func TestChildAndParent(t *testing.T) {
	root := Root()
	a := root.Child("a")
	b := a.Child("b")
	require.Equal(t, "/a/b", b.String())

	parent, name, ok := b.Parent()
	require.True(t, ok)
	require.Equal(t, "b", name)
	require.Equal(t, "/a", parent.String())

	_, _, ok = root.Parent()
	require.False(t, ok)
}
