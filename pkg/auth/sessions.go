package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/store"
)

const (
	// SessionCookieName is the browser session cookie.
	SessionCookieName = "sonde_session"

	// SessionTTL is how long a login lasts. No sliding renewal.
	SessionTTL = 8 * time.Hour

	// Login rate limiting: a source IP gets this many failures per window
	// before further attempts are rejected outright.
	loginFailureLimit  = 5
	loginFailureWindow = time.Minute

	sweepEvery = 5 * time.Minute
)

// ErrRateLimited is returned when a source IP exceeded the login failure
// budget.
var ErrRateLimited = errors.New("too many failed login attempts")

// AdminStore is the persistence surface for local admin accounts.
type AdminStore interface {
	GetLocalAdmin(ctx context.Context, username string) (*store.LocalAdmin, error)
	CountLocalAdmins(ctx context.Context) (int64, error)
}

// EnvAdmin is the bootstrap admin configured through the environment, used
// only while no admin account exists in the database.
type EnvAdmin struct {
	Username string
	Password string
}

type session struct {
	username  string
	role      models.Role
	expiresAt time.Time
}

type failureRecord struct {
	count   int
	firstAt time.Time
}

// SessionService manages browser login sessions. Sessions live in process
// memory: a hub restart logs everyone out.
type SessionService struct {
	admins   AdminStore
	envAdmin EnvAdmin
	secure   bool
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]session
	failures map[string]failureRecord // source IP -> recent failures
}

// NewSessionService creates a SessionService. secure controls the cookie's
// Secure flag and should follow whether the hub serves TLS.
func NewSessionService(admins AdminStore, envAdmin EnvAdmin, secure bool) *SessionService {
	return &SessionService{
		admins:   admins,
		envAdmin: envAdmin,
		secure:   secure,
		logger:   slog.With("component", "sessions"),
		sessions: make(map[string]session),
		failures: make(map[string]failureRecord),
	}
}

// Login checks credentials and creates a session. The database admin
// account wins over the environment bootstrap admin; the env admin only
// works while no database admin exists.
func (s *SessionService) Login(ctx context.Context, username, password, sourceIP string) (string, error) {
	if err := s.checkRateLimit(sourceIP); err != nil {
		return "", err
	}

	role, ok := s.verifyPassword(ctx, username, password)
	if !ok {
		s.recordFailure(sourceIP)
		return "", ErrInvalidCredentials
	}

	s.clearFailures(sourceIP)
	return s.createSession(username, role)
}

// CreateSSOSession creates a session for an externally authenticated user.
func (s *SessionService) CreateSSOSession(username string, role models.Role) (string, error) {
	return s.createSession(username, role)
}

// Validate resolves a session token to an AuthContext.
func (s *SessionService) Validate(token string) (*models.AuthContext, error) {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	if ok && time.Now().After(sess.expiresAt) {
		delete(s.sessions, token)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrInvalidCredentials
	}
	return &models.AuthContext{
		Type:    models.AuthTypeSession,
		KeyID:   sess.username,
		KeyName: sess.username,
		Role:    sess.role,
	}, nil
}

// Logout removes a session.
func (s *SessionService) Logout(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Cookie builds the session cookie for a token. An empty token produces an
// expired cookie for logout.
func (s *SessionService) Cookie(token string) *http.Cookie {
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if token == "" {
		cookie.MaxAge = -1
	} else {
		cookie.MaxAge = int(SessionTTL.Seconds())
	}
	return cookie
}

// RunSweeper periodically drops expired sessions and stale rate-limit
// records. Blocks until ctx is cancelled.
func (s *SessionService) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *SessionService) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, token)
		}
	}
	for ip, rec := range s.failures {
		if now.Sub(rec.firstAt) > loginFailureWindow {
			delete(s.failures, ip)
		}
	}
}

func (s *SessionService) verifyPassword(ctx context.Context, username, password string) (models.Role, bool) {
	admin, err := s.admins.GetLocalAdmin(ctx, username)
	if err == nil {
		if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) == nil {
			return admin.Role, true
		}
		return "", false
	}

	// Environment bootstrap admin applies only while the database has no
	// admin accounts at all.
	if s.envAdmin.Username == "" || s.envAdmin.Password == "" {
		return "", false
	}
	if n, cerr := s.admins.CountLocalAdmins(ctx); cerr != nil || n > 0 {
		return "", false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.envAdmin.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.envAdmin.Password)) == 1
	if userOK && passOK {
		return models.RoleOwner, true
	}
	return "", false
}

func (s *SessionService) createSession(username string, role models.Role) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.sessions[token] = session{
		username:  username,
		role:      role,
		expiresAt: time.Now().Add(SessionTTL),
	}
	s.mu.Unlock()

	s.logger.Info("Session created", "username", username, "role", role)
	return token, nil
}

func (s *SessionService) checkRateLimit(sourceIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.failures[sourceIP]
	if !ok {
		return nil
	}
	if time.Since(rec.firstAt) > loginFailureWindow {
		delete(s.failures, sourceIP)
		return nil
	}
	if rec.count >= loginFailureLimit {
		return ErrRateLimited
	}
	return nil
}

func (s *SessionService) clearFailures(sourceIP string) {
	s.mu.Lock()
	delete(s.failures, sourceIP)
	s.mu.Unlock()
}

func (s *SessionService) recordFailure(sourceIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.failures[sourceIP]
	if !ok || time.Since(rec.firstAt) > loginFailureWindow {
		s.failures[sourceIP] = failureRecord{count: 1, firstAt: time.Now()}
		return
	}
	rec.count++
	s.failures[sourceIP] = rec
}
