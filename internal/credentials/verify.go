package credentials

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrInvalidSession = errors.New("invalid session")

// Verifier checks a caller's session id and returns the user it belongs to.
// Unknown or expired sessions are ErrInvalidSession.
type Verifier interface {
	Verify(ctx context.Context, sessionID string) (string, error)
}

// Tokens accepts a fixed set of desk tokens, for installs without the
// session database.
type Tokens []string

const tokenUser = "desk"

func ParseTokens(raw string) Tokens {
	var tokens Tokens
	for _, token := range strings.Split(raw, ",") {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func (t Tokens) Verify(_ context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", ErrInvalidSession
	}
	matched := 0
	for _, token := range t {
		matched |= subtle.ConstantTimeCompare([]byte(token), []byte(sessionID))
	}
	if matched == 0 {
		return "", ErrInvalidSession
	}
	return tokenUser, nil
}

// Verifiers accepts a session any member accepts. A lookup failure is
// returned only when no member accepted the session.
type Verifiers []Verifier

func (v Verifiers) Verify(ctx context.Context, sessionID string) (string, error) {
	var firstErr error
	for _, verifier := range v {
		if verifier == nil {
			continue
		}
		user, err := verifier.Verify(ctx, sessionID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrInvalidSession) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	return "", ErrInvalidSession
}

// SessionID reads the caller's session from the bearer header, then
// X-Session-ID, then the session_id query parameter that browser push
// transports use.
func SessionID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if id := strings.TrimSpace(r.Header.Get("X-Session-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
