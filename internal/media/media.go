// Package media holds the domain types shared by the upload, detection and
// query sides of birdtag.
package media

import (
	"path"
	"strings"
	"time"
)

// Type is the media category of an uploaded object.
type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
	TypeAudio Type = "audio"
)

// Types lists every supported media type.
var Types = []Type{TypeImage, TypeVideo, TypeAudio}

// ParseType validates a media type name.
func ParseType(raw string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypeImage, TypeVideo, TypeAudio:
		return t, nil
	}
	return "", ErrInvalidMediaType
}

// Namespace is the key prefix objects of this type are stored under.
func (t Type) Namespace() string {
	switch t {
	case TypeImage:
		return "images"
	case TypeVideo:
		return "videos"
	case TypeAudio:
		return "audio"
	}
	return ""
}

// ContentTypePrefix is the MIME prefix accepted for uploads of this type.
func (t Type) ContentTypePrefix() string {
	return string(t) + "/"
}

// AllowedContentTypes are the MIME types advertised on a grant.
func (t Type) AllowedContentTypes() []string {
	switch t {
	case TypeImage:
		return []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	case TypeVideo:
		return []string{"video/mp4", "video/quicktime", "video/x-msvideo", "video/webm"}
	case TypeAudio:
		return []string{"audio/mpeg", "audio/wav", "audio/x-wav", "audio/flac", "audio/mp4"}
	}
	return nil
}

// TypeFromKey derives the media type from the key namespace.
func TypeFromKey(key string) (Type, bool) {
	ns, _, ok := strings.Cut(strings.TrimPrefix(key, "/"), "/")
	if !ok {
		return "", false
	}
	for _, t := range Types {
		if t.Namespace() == ns {
			return t, true
		}
	}
	return "", false
}

// TypeFromContentType maps a MIME type such as "image/png" to a media type.
func TypeFromContentType(contentType string) (Type, bool) {
	major, _, _ := strings.Cut(strings.ToLower(contentType), "/")
	t, err := ParseType(major)
	return t, err == nil
}

// Mode records whether an object went through the remote pipeline or the
// local fallback.
type Mode string

const (
	ModeRemote   Mode = "remote"
	ModeFallback Mode = "fallback"
)

// Source tags where a DetectionResult came from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
)

// Object is the catalog entry for an uploaded media object.
type Object struct {
	Key            string    `json:"key"`
	Type           Type      `json:"media_type"`
	DeclaredSize   int64     `json:"declared_size"`
	Mode           Mode      `json:"mode"`
	CreatedAt      time.Time `json:"created_at"`
	GrantExpiresAt time.Time `json:"grant_expires_at"`
	WrittenAt      time.Time `json:"written_at,omitempty"`
}

// Written reports whether the object's bytes have been stored.
func (o Object) Written() bool {
	return !o.WrittenAt.IsZero()
}

// Grant is a time-limited, single-use permission to write one object.
type Grant struct {
	Key                 string            `json:"key"`
	WriteURL            string            `json:"write_url"`
	Method              string            `json:"method"`
	FormFields          map[string]string `json:"form_fields,omitempty"`
	ExpiresAt           time.Time         `json:"expires_at"`
	AllowedContentTypes []string          `json:"allowed_content_types"`
	MaxBytes            int64             `json:"max_bytes"`
	Mode                Mode              `json:"mode"`
}

// Result is the persisted, normalized outcome of detection for one object.
type Result struct {
	Key          string         `json:"key"`
	Tags         map[string]int `json:"tags"`
	Source       Source         `json:"source"`
	CompletedAt  time.Time      `json:"completed_at"`
	ThumbnailKey string         `json:"thumbnail_key,omitempty"`
}

// DefaultThumbnailPrefix is used when no prefix is configured.
const DefaultThumbnailPrefix = "thumbnails"

// ThumbnailKey returns where the thumbnail of key is stored.
func ThumbnailKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultThumbnailPrefix
	}
	return path.Join(prefix, key)
}
