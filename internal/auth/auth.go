package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

const (
	DefaultSessionDuration = 24 * time.Hour
	DefaultCacheTTL        = 5 * time.Minute
	AdminUsername          = "admin"
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
	LastLogin    time.Time `json:"lastLogin,omitempty"`
}

// Session is an authenticated viewer. Progress saved under a session is
// keyed by its UserID.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Store interface {
	CreateUser(user User) error
	GetUserByUsername(username string) (*User, error)
	UpdateUser(user User) error
	CountUsers() (int, error)

	CreateSession(session Session) error
	GetSession(token string) (*Session, error)
	DeleteSession(token string) error
	DeleteUserSessions(userID string) error
	CleanExpiredSessions(now time.Time) error
}

type Options struct {
	SessionDuration time.Duration
	CacheTTL        time.Duration
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

// Manager handles logins and session validation.
type Manager struct {
	store           Store
	sessionDuration time.Duration
	clock           clockwork.Clock
	log             *slog.Logger
	sessionCache    *SessionCache
}

func NewManager(store Store, opts Options) *Manager {
	if opts.SessionDuration <= 0 {
		opts.SessionDuration = DefaultSessionDuration
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:           store,
		sessionDuration: opts.SessionDuration,
		clock:           opts.Clock,
		log:             opts.Logger,
		sessionCache:    NewSessionCache(opts.CacheTTL, opts.Clock),
	}
}

// Close stops the session cache.
func (m *Manager) Close() {
	m.sessionCache.Close()
}

// GeneratePassword returns a random 22 character password.
func GeneratePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate password: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf)[:22], nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// InitializeAdmin creates the admin user when the store has no users and
// returns its generated password. It returns "" when users already exist.
func (m *Manager) InitializeAdmin() (string, error) {
	count, err := m.store.CountUsers()
	if err != nil {
		return "", err
	}
	if count > 0 {
		return "", nil
	}

	password, err := GeneratePassword()
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	admin := User{
		ID:           AdminUsername,
		Username:     AdminUsername,
		PasswordHash: hash,
		IsAdmin:      true,
		CreatedAt:    m.clock.Now(),
	}
	if err := m.store.CreateUser(admin); err != nil {
		return "", err
	}
	return password, nil
}

func (m *Manager) Login(username, password string) (*Session, error) {
	user, err := m.store.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	now := m.clock.Now()
	user.LastLogin = now
	if err := m.store.UpdateUser(*user); err != nil {
		m.log.Warn("last login not recorded", "user", user.ID, "err", err)
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	session := Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		IsAdmin:   user.IsAdmin,
		CreatedAt: now,
		ExpiresAt: now.Add(m.sessionDuration),
	}
	if err := m.store.CreateSession(session); err != nil {
		return nil, err
	}
	m.sessionCache.Set(&session)
	return &session, nil
}

func (m *Manager) Logout(token string) error {
	m.sessionCache.Delete(token)
	return m.store.DeleteSession(token)
}

// ValidateSession resolves token to its session, consulting the cache first.
func (m *Manager) ValidateSession(token string) (*Session, error) {
	if session, found := m.sessionCache.Get(token); found {
		return session, nil
	}

	session, err := m.store.GetSession(token)
	if err != nil {
		return nil, err
	}
	if m.clock.Now().After(session.ExpiresAt) {
		_ = m.store.DeleteSession(token)
		return nil, ErrTokenExpired
	}
	m.sessionCache.Set(session)
	return session, nil
}

func (m *Manager) CreateUser(username, password string, isAdmin bool) (*User, error) {
	if existing, err := m.store.GetUserByUsername(username); err == nil && existing != nil {
		return nil, ErrUserExists
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := User{
		ID:           "user_" + uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		CreatedAt:    m.clock.Now(),
	}
	if err := m.store.CreateUser(user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ResetPassword replaces the password of username and ends its sessions.
func (m *Manager) ResetPassword(username, newPassword string) error {
	user, err := m.store.GetUserByUsername(username)
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	if err := m.store.UpdateUser(*user); err != nil {
		return err
	}
	m.sessionCache.DeleteByUserID(user.ID)
	return m.store.DeleteUserSessions(user.ID)
}

func (m *Manager) CleanupExpiredSessions() error {
	return m.store.CleanExpiredSessions(m.clock.Now())
}
