// Package credential supplies the opaque auth token for the notification
// socket. The token is looked up in config, then the environment, then the
// OS keyring. Tokens that happen to be JWTs are checked for expiry; anything
// else is passed through untouched.
package credential

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	logx "mangabell/pkg/logx"
)

var (
	ErrNoCredential = errors.New("no credential configured")
	ErrExpired      = errors.New("credential expired")
)

type Options struct {
	Token    string
	TokenEnv string
	Keyring  *Keyring
}

type Source struct {
	opts Options
	log  logx.Logger
	now  func() time.Time

	mu     sync.Mutex
	cached string
}

func NewSource(opts Options, log logx.Logger) *Source {
	return &Source{opts: opts, log: log.With(logx.String("comp", "credential")), now: time.Now}
}

// Token returns the current credential or an error when none is usable.
func (s *Source) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, from, err := s.lookup()
	if err != nil {
		return "", err
	}
	if err := Validate(tok, s.now()); err != nil {
		s.log.Warn("credential rejected locally", logx.String("source", from), logx.Err(err))
		return "", err
	}
	return tok, nil
}

func (s *Source) lookup() (tok, from string, err error) {
	if t := strings.TrimSpace(s.opts.Token); t != "" {
		return t, "config", nil
	}
	if name := strings.TrimSpace(s.opts.TokenEnv); name != "" {
		if t := strings.TrimSpace(os.Getenv(name)); t != "" {
			return t, "env", nil
		}
	}
	if s.opts.Keyring == nil {
		return "", "", ErrNoCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" {
		return s.cached, "keyring", nil
	}
	t, err := s.opts.Keyring.Get()
	if err != nil {
		return "", "", err
	}
	t = strings.TrimSpace(t)
	if t == "" {
		return "", "", ErrNoCredential
	}
	s.cached = t
	return t, "keyring", nil
}

// Forget drops the cached keyring value so the next Token call reads it again.
func (s *Source) Forget() {
	s.mu.Lock()
	s.cached = ""
	s.mu.Unlock()
}

// Validate reports whether tok is still usable at now. Only JWTs carrying an
// exp claim can be judged; the signature is the server's business.
func Validate(tok string, now time.Time) error {
	if strings.TrimSpace(tok) == "" {
		return ErrNoCredential
	}
	if strings.Count(tok, ".") != 2 {
		return nil
	}
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(tok, gojwt.MapClaims{})
	if err != nil {
		return nil
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !now.Before(exp.Time) {
		return ErrExpired
	}
	return nil
}
