// Package documents fetches the raw bytes of case documents from the object
// store or from the remote document source.
package documents

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Descriptor identifies one input document of a run.
type Descriptor struct {
	ID            string `json:"id"`
	MimeType      string `json:"mimeType"`
	SourceLocator string `json:"sourceLocator"`
	Description   string `json:"description,omitempty"`
	FileName      string `json:"fileName,omitempty"`
}

// Credentials authenticate against the remote document source for one run.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Empty reports whether no credentials were supplied.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// ErrNotFetchable is returned when no fetcher can serve a locator.
var ErrNotFetchable = errors.New("document locator cannot be fetched")

// Fetcher retrieves raw document bytes. Fetchers do not retry.
type Fetcher interface {
	Fetch(ctx context.Context, sourceLocator string, documentID string, creds Credentials) ([]byte, error)
}

// Router dispatches by locator scheme. Bare keys and file:// or s3:// locators
// go to Store; http(s) locators, and empty locators when a remote source is
// configured, go to Remote.
type Router struct {
	Store  Fetcher
	Remote Fetcher
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, sourceLocator string, documentID string, creds Credentials) ([]byte, error) {
	locator := strings.TrimSpace(sourceLocator)
	switch scheme := locatorScheme(locator); scheme {
	case "http", "https":
		if r.Remote == nil {
			return nil, fmt.Errorf("%w: remote source not configured", ErrNotFetchable)
		}
		return r.Remote.Fetch(ctx, locator, documentID, creds)
	case "s3", "file", "":
		if locator == "" {
			if r.Remote == nil {
				return nil, fmt.Errorf("%w: empty locator for document %s", ErrNotFetchable, documentID)
			}
			return r.Remote.Fetch(ctx, "", documentID, creds)
		}
		if r.Store == nil {
			return nil, fmt.Errorf("%w: object store not configured", ErrNotFetchable)
		}
		return r.Store.Fetch(ctx, locator, documentID, creds)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrNotFetchable, scheme)
	}
}

func locatorScheme(locator string) string {
	idx := strings.Index(locator, "://")
	if idx <= 0 {
		return ""
	}
	return strings.ToLower(locator[:idx])
}

// storageKey strips s3://bucket/ and file:// prefixes from a locator.
func storageKey(locator string) (string, error) {
	switch locatorScheme(locator) {
	case "s3":
		u, err := url.Parse(locator)
		if err != nil {
			return "", fmt.Errorf("parse locator: %w", err)
		}
		return strings.TrimLeft(u.Path, "/"), nil
	case "file":
		return locator[len("file://"):], nil
	default:
		return locator, nil
	}
}
