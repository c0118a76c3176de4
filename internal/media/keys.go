package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxExtLen = 8

// NewKey derives a collision-resistant storage key for an upload named name.
// Layout: {namespace}/{yyyy}/{mm}/{dd}/{uuid}{.ext}
func NewKey(t Type, name string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s%s", t.Namespace(), now.UTC().Format("2006/01/02"), uuid.NewString(), extension(name))
}

func extension(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(strings.TrimSpace(name)), "."))
	var b strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	ext = b.String()
	if ext == "" || len(ext) > maxExtLen {
		return ""
	}
	return "." + ext
}

// ValidKey reports whether key has a known namespace and no path tricks.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return false
	}
	_, ok := TypeFromKey(key)
	return ok
}
