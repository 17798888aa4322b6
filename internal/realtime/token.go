package realtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken is returned when the credential supplier has no token available.
var ErrNoToken = errors.New("no bearer token available")

// TokenProvider supplies a short-lived bearer token. It is consulted fresh
// before every connection attempt and every history request; implementations
// must not cache beyond what the external credential supplier allows.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the TokenProvider interface.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenProvider.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// FileTokenProvider reads the token from a file on every call. The external
// credential supplier rewrites the file when it refreshes the token.
type FileTokenProvider struct {
	Path string
}

// Token implements TokenProvider.
func (p *FileTokenProvider) Token(_ context.Context) (string, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}
