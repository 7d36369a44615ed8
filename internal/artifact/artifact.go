package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir is the directory holding produced artifacts. Names handed to it are
// validated so a client-supplied string can never escape the directory.
type Dir struct {
	root string
}

func NewDir(root string) (Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Dir{}, fmt.Errorf("create outputs dir: %w", err)
	}
	return Dir{root: root}, nil
}

func (d Dir) Root() string { return d.root }

// Path resolves an artifact name inside the directory, rejecting anything
// that is not a plain file name.
func (d Dir) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(d.root, name), nil
}

const maxFragmentLen = 48

// SafeName derives a collision-free output file name: a random token, a
// sanitized fragment of the original base name, and the original extension.
func SafeName(original string) string {
	ext := ""
	if raw := sanitizeFragment(filepath.Ext(original)); raw != "" {
		ext = "." + raw
	}
	base := sanitizeFragment(strings.TrimSuffix(filepath.Base(original), filepath.Ext(original)))
	if len(base) > maxFragmentLen {
		base = base[:maxFragmentLen]
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if base == "" {
		return token + ext
	}
	return token + "_" + base + ext
}

func sanitizeFragment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}
