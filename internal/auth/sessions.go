package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionIssuerName is the iss claim of every admin session token.
	SessionIssuerName = "imgstk-admin"
	// DefaultCookieName is used when SessionConfig leaves CookieName empty.
	DefaultCookieName = "imgstk_session"
	defaultSessionTTL = 12 * time.Hour
	cookiePath        = "/"
)

var (
	ErrMissingSessionToken   = errors.New("sessions: token required")
	ErrInvalidSessionToken   = errors.New("sessions: invalid token")
	ErrExpiredSessionToken   = errors.New("sessions: token expired")
	ErrMissingSessionSubject = errors.New("sessions: subject required")

	errMissingSigningSecret = errors.New("sessions: signing secret required")
)

// SessionConfig configures admin sessions. TTL and CookieName fall back to defaults.
type SessionConfig struct {
	SigningSecret []byte
	CookieName    string
	TTL           time.Duration
	Clock         func() time.Time
}

// Session is an issued or validated admin session.
type Session struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// Sessions signs and verifies HS256 session tokens carried in a cookie.
type Sessions struct {
	signingSecret []byte
	cookieName    string
	ttl           time.Duration
	clock         func() time.Time
	parser        *jwt.Parser
}

func NewSessions(cfg SessionConfig) (*Sessions, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sessions{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		ttl:           ttl,
		clock:         clock,
		parser: jwt.NewParser(
			jwt.WithTimeFunc(clock),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(SessionIssuerName),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// CookieName returns the name of the session cookie.
func (s *Sessions) CookieName() string {
	return s.cookieName
}

// TTL returns the lifetime of issued sessions.
func (s *Sessions) TTL() time.Duration {
	return s.ttl
}

// Issue signs a session for subject.
func (s *Sessions) Issue(subject string) (Session, error) {
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		return Session{}, ErrMissingSessionSubject
	}
	now := s.clock().UTC()
	expiresAt := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   trimmed,
		Issuer:    SessionIssuerName,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingSecret)
	if err != nil {
		return Session{}, fmt.Errorf("sessions: sign token: %w", err)
	}
	return Session{Token: signed, Subject: trimmed, ExpiresAt: expiresAt}, nil
}

// Validate parses token and returns the session it carries.
func (s *Sessions) Validate(token string) (Session, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Session{}, ErrMissingSessionToken
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := s.parser.ParseWithClaims(trimmed, claims, func(*jwt.Token) (interface{}, error) {
		return s.signingSecret, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrExpiredSessionToken
		}
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Session{}, ErrMissingSessionSubject
	}
	return Session{Token: trimmed, Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// FromRequest validates the session cookie of r.
func (s *Sessions) FromRequest(r *http.Request) (Session, error) {
	if r == nil {
		return Session{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(s.cookieName)
	if err != nil {
		return Session{}, ErrMissingSessionToken
	}
	return s.Validate(cookie.Value)
}

// Cookie carries session to the browser. It is never readable from scripts.
func (s *Sessions) Cookie(session Session, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    session.Token,
		Path:     cookiePath,
		Expires:  session.ExpiresAt,
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ExpiredCookie instructs the browser to drop the session cookie.
func (s *Sessions) ExpiredCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Path:     cookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
