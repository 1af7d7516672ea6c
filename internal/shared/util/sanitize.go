package util

import (
	"errors"
	"path"
	"strings"
)

// ErrInvalidKey is returned for storage keys that escape their root.
var ErrInvalidKey = errors.New("invalid storage key")

// CleanStorageKey normalizes a slash-separated key and rejects traversal patterns.
func CleanStorageKey(key string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", ErrInvalidKey
		}
	}
	clean := strings.TrimLeft(path.Clean("/"+trimmed), "/")
	if clean == "" || clean == "." {
		return "", ErrInvalidKey
	}
	return clean, nil
}
