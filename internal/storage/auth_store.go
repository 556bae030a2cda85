package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/treefix50/watchguard/internal/auth"
)

func (s *Store) CreateUser(user auth.User) error {
	if s == nil || s.db == nil {
		return errNoDB
	}
	_, err := s.db.Exec(`
		INSERT INTO auth_users (id, username, password_hash, is_admin, created_at, last_login)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.PasswordHash, user.IsAdmin, user.CreatedAt.Unix(), nullInt64FromTime(user.LastLogin))
	return err
}

func (s *Store) GetUserByUsername(username string) (*auth.User, error) {
	if s == nil || s.db == nil {
		return nil, errNoDB
	}

	var (
		user      auth.User
		createdAt int64
		lastLogin sql.NullInt64
		isAdmin   int
	)
	err := s.db.QueryRow(`
		SELECT id, username, password_hash, is_admin, created_at, last_login
		FROM auth_users
		WHERE username = ?
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &isAdmin, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	user.IsAdmin = isAdmin == 1
	user.CreatedAt = time.Unix(createdAt, 0)
	if lastLogin.Valid {
		user.LastLogin = time.Unix(lastLogin.Int64, 0)
	}
	return &user, nil
}

func (s *Store) UpdateUser(user auth.User) error {
	if s == nil || s.db == nil {
		return errNoDB
	}
	_, err := s.db.Exec(`
		UPDATE auth_users
		SET username = ?, password_hash = ?, is_admin = ?, last_login = ?
		WHERE id = ?
	`, user.Username, user.PasswordHash, user.IsAdmin, nullInt64FromTime(user.LastLogin), user.ID)
	return err
}

func (s *Store) CountUsers() (int, error) {
	if s == nil || s.db == nil {
		return 0, errNoDB
	}
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM auth_users`).Scan(&count)
	return count, err
}

func (s *Store) CreateSession(session auth.Session) error {
	if s == nil || s.db == nil {
		return errNoDB
	}
	_, err := s.db.Exec(`
		INSERT INTO auth_sessions (token, user_id, username, is_admin, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, session.Token, session.UserID, session.Username, session.IsAdmin, session.CreatedAt.Unix(), session.ExpiresAt.Unix())
	return err
}

func (s *Store) GetSession(token string) (*auth.Session, error) {
	if s == nil || s.db == nil {
		return nil, errNoDB
	}

	var (
		session              auth.Session
		createdAt, expiresAt int64
		isAdmin              int
	)
	err := s.db.QueryRow(`
		SELECT token, user_id, username, is_admin, created_at, expires_at
		FROM auth_sessions
		WHERE token = ?
	`, token).Scan(&session.Token, &session.UserID, &session.Username, &isAdmin, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	session.IsAdmin = isAdmin == 1
	session.CreatedAt = time.Unix(createdAt, 0)
	session.ExpiresAt = time.Unix(expiresAt, 0)
	return &session, nil
}

func (s *Store) DeleteSession(token string) error {
	if s == nil || s.db == nil {
		return errNoDB
	}
	_, err := s.db.Exec(`DELETE FROM auth_sessions WHERE token = ?`, token)
	return err
}

func (s *Store) DeleteUserSessions(userID string) error {
	if s == nil || s.db == nil {
		return errNoDB
	}
	_, err := s.db.Exec(`DELETE FROM auth_sessions WHERE user_id = ?`, userID)
	return err
}

func (s *Store) CleanExpiredSessions(now time.Time) error {
	if s == nil || s.db == nil {
		return errNoDB
	}
	_, err := s.db.Exec(`DELETE FROM auth_sessions WHERE expires_at < ?`, now.Unix())
	return err
}

func nullInt64FromTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

var _ auth.Store = (*Store)(nil)
