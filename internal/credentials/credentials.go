// Package credentials supplies the bearer token attached to upstream calls
// and verifies the sessions of desk callers.
// A missing upstream token is not an error: the upstream enforces access.
package credentials

import (
	"context"
	"errors"
	"os"
	"strings"
)

var ErrNoToken = errors.New("no token")

type Provider interface {
	Token(ctx context.Context) (string, error)
}

type Static string

func (s Static) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// File re-reads the token file on every call so a re-login on the desk is
// picked up without a restart.
type File struct {
	Path string
}

func (f File) Token(context.Context) (string, error) {
	if f.Path == "" {
		return "", ErrNoToken
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Chain returns the first token any provider yields.
type Chain []Provider

func (c Chain) Token(ctx context.Context) (string, error) {
	var firstErr error
	for _, provider := range c {
		if provider == nil {
			continue
		}
		token, err := provider.Token(ctx)
		if err == nil && token != "" {
			return token, nil
		}
		if err != nil && !errors.Is(err, ErrNoToken) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	return "", ErrNoToken
}
