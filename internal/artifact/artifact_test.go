package artifact

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathRejectsEscapes(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "..", "../evil", "a/b", "/etc/passwd", ".hidden"} {
		_, err := d.Path(name)
		assert.Error(t, err, "name %q should be rejected", name)
	}

	p, err := d.Path("book.epub")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(d.Root(), "book.epub"), p)
}

func TestSafeNameKeepsExtension(t *testing.T) {
	name := SafeName("My Great Novel!.epub")
	assert.True(t, strings.HasSuffix(name, ".epub"), "got %q", name)
	assert.Contains(t, name, "My_Great_Novel")
	assert.NotContains(t, name, " ")
	assert.NotContains(t, name, "!")
}

func TestSafeNameUnique(t *testing.T) {
	a := SafeName("book.epub")
	b := SafeName("book.epub")
	assert.NotEqual(t, a, b)
}

func TestSafeNameTruncatesLongFragments(t *testing.T) {
	long := strings.Repeat("x", 300) + ".txt"
	name := SafeName(long)
	assert.LessOrEqual(t, len(name), 12+1+48+4)
	assert.True(t, strings.HasSuffix(name, ".txt"))
}

func TestSafeNameHandlesNoExtension(t *testing.T) {
	name := SafeName("README")
	assert.NotContains(t, name, ".")
	assert.Contains(t, name, "README")
}
