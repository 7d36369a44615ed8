package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Violation describes an upload policy failure.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", v.Rule, v.Detail)
}

// Rule names surfaced to clients so they can distinguish outcomes.
const (
	RuleSizeExceeded        = "size_exceeded"
	RuleTypeNotAllowed      = "type_not_allowed"
	RuleExtensionNotAllowed = "extension_not_allowed"
)

// Policy validates upload declarations before any storage is touched.
// An empty allow-list means allow all.
type Policy struct {
	MaxFileSize  int64
	AllowedTypes []string
	AllowedExts  []string
}

// FromEnv builds a policy from environment variables.
func FromEnv() Policy {
	p := Policy{
		AllowedTypes: splitCSV(os.Getenv("UPLOAD_ALLOWED_TYPES")),
		AllowedExts:  splitCSV(os.Getenv("UPLOAD_ALLOWED_EXTENSIONS")),
	}
	if raw := os.Getenv("UPLOAD_MAX_BYTES"); raw != "" {
		if v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			p.MaxFileSize = v
		}
	}
	for i, ext := range p.AllowedExts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.AllowedExts[i] = ext
	}
	return p
}

// Check validates a declared upload. It returns a *Violation on failure so
// callers can map the rule to a client-visible error.
func (p Policy) Check(filename string, totalSize int64, mimeType string) error {
	if p.MaxFileSize > 0 && totalSize > p.MaxFileSize {
		return &Violation{
			Rule:   RuleSizeExceeded,
			Detail: fmt.Sprintf("declared size %d exceeds limit %d", totalSize, p.MaxFileSize),
		}
	}
	if len(p.AllowedTypes) > 0 && mimeType != "" && !typeAllowed(p.AllowedTypes, mimeType) {
		return &Violation{
			Rule:   RuleTypeNotAllowed,
			Detail: fmt.Sprintf("mime type %q not in allow-list", mimeType),
		}
	}
	if len(p.AllowedExts) > 0 {
		ext := strings.ToLower(filepath.Ext(filename))
		if !extAllowed(p.AllowedExts, ext) {
			return &Violation{
				Rule:   RuleExtensionNotAllowed,
				Detail: fmt.Sprintf("extension %q not in allow-list", ext),
			}
		}
	}
	return nil
}

// typeAllowed matches exact types and wildcard subtypes such as "image/*".
func typeAllowed(allowed []string, mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == "" {
			continue
		}
		if candidate == mimeType {
			return true
		}
		if strings.HasSuffix(candidate, "/*") &&
			strings.HasPrefix(mimeType, strings.TrimSuffix(candidate, "*")) {
			return true
		}
	}
	return false
}

func extAllowed(allowed []string, ext string) bool {
	for _, candidate := range allowed {
		if candidate != "" && candidate == ext {
			return true
		}
	}
	return false
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	items := strings.Split(raw, ",")
	out := items[:0]
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
