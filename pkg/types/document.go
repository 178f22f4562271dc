package types

import (
	"errors"
	"strings"
	"time"
)

// Kind distinguishes folders from items in the document tree
type Kind string

const (
	KindFolder Kind = "folder"
	KindItem   Kind = "item"
)

// Document is a folder or item owned by one user
type Document struct {
	ID         string
	UserID     string
	Name       string
	Path       string
	Kind       Kind
	MimeType   string
	Size       int64
	StorageKey string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time // Nullable - soft delete marker
}

// Validate checks if the document is well formed
func (d *Document) Validate() error {
	if d.UserID == "" {
		return errors.New("user id is required")
	}
	if !strings.HasPrefix(d.Path, "/") || d.Path == "/" {
		return errors.New("path must be absolute and not the root")
	}
	switch d.Kind {
	case KindFolder, KindItem:
	default:
		return errors.New("invalid document kind")
	}
	if d.Size < 0 {
		return errors.New("size must be >= 0")
	}
	return nil
}

// BaseName returns the last path segment
func BaseName(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
