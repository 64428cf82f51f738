// Package gcpauth turns a Google service-account key stored in SSM into
// credentials for the Google Cloud client libraries.
package gcpauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CloudPlatformScope covers Speech, Text-to-Speech, Vertex AI and Firestore.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Getter reads a secret by key. *paramstore.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, key string) (string, error)
}

// tokenSourceFunc builds a token source from a service-account key.
type tokenSourceFunc func(ctx context.Context, keyJSON []byte) (oauth2.TokenSource, error)

// Loader fetches the key on first use and reuses it for the lifetime of the
// process. A failed load is retried on the next call.
type Loader struct {
	getter    Getter
	key       string
	newSource tokenSourceFunc

	mu      sync.RWMutex
	loaded  bool
	keyJSON []byte
	source  oauth2.TokenSource
}

type Option func(*Loader)

// WithTokenSourceFunc replaces how a key becomes a token source.
func WithTokenSourceFunc(fn func(ctx context.Context, keyJSON []byte) (oauth2.TokenSource, error)) Option {
	return func(l *Loader) {
		if fn != nil {
			l.newSource = fn
		}
	}
}

// NewLoader reads the service-account key stored under key.
func NewLoader(g Getter, key string, opts ...Option) (*Loader, error) {
	if g == nil {
		return nil, errors.New("gcpauth: paramstore getter must not be nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("gcpauth: parameter key must not be empty")
	}
	l := &Loader{
		getter:    g,
		key:       key,
		newSource: serviceAccountSource,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func serviceAccountSource(ctx context.Context, keyJSON []byte) (oauth2.TokenSource, error) {
	creds, err := google.CredentialsFromJSON(ctx, keyJSON, CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("gcpauth: parse service account key: %w", err)
	}
	return creds.TokenSource, nil
}

func (l *Loader) ensureLoaded(ctx context.Context) error {
	l.mu.RLock()
	if l.loaded {
		l.mu.RUnlock()
		return nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}

	raw, err := l.getter.Get(ctx, l.key)
	if err != nil {
		return fmt.Errorf("gcpauth: fetch key from paramstore: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("gcpauth: service account key is empty")
	}
	// The token source outlives this request, so it must not inherit its
	// cancellation.
	source, err := l.newSource(context.WithoutCancel(ctx), []byte(raw))
	if err != nil {
		return err
	}

	l.keyJSON = []byte(raw)
	l.source = oauth2.ReuseTokenSource(nil, source)
	l.loaded = true
	return nil
}

// TokenSource adapts the loader for option.WithTokenSource. The key is
// fetched on the first token request, not here.
func (l *Loader) TokenSource() oauth2.TokenSource {
	return loaderTokenSource{l: l}
}

type loaderTokenSource struct {
	l *Loader
}

// Token returns a valid access token, refreshing it when it has expired.
func (s loaderTokenSource) Token() (*oauth2.Token, error) {
	if err := s.l.ensureLoaded(context.Background()); err != nil {
		return nil, err
	}
	tok, err := s.l.source.Token()
	if err != nil {
		return nil, fmt.Errorf("gcpauth: obtain access token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("gcpauth: empty access token")
	}
	return tok, nil
}

// KeyJSON returns the raw service-account key, for client libraries that
// take credentials directly.
func (l *Loader) KeyJSON(ctx context.Context) ([]byte, error) {
	if err := l.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return l.keyJSON, nil
}
