package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/storefront/storefront-go/internal/db"
	"github.com/storefront/storefront-go/internal/metrics"
	"github.com/storefront/storefront-go/internal/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	userColumns         = "id, username, email, password_hash, created_at"
	insertUserQuery     = "INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, ?, ?)"
	userByIDQuery       = "SELECT " + userColumns + " FROM users WHERE id = ?"
	userByUsernameQuery = "SELECT " + userColumns + " FROM users WHERE username = ?"
	listUsersQuery      = "SELECT " + userColumns + " FROM users ORDER BY id"
	updateUserQuery     = "UPDATE users SET email = ?, password_hash = ? WHERE id = ?"
	deleteUserQuery     = "DELETE FROM users WHERE id = ?"

	minPasswordLength = 8
	// bcrypt ignores input beyond 72 bytes
	maxPasswordBytes = 72
)

// UserService handles user-related operations
type UserService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
	cost    int
	now     func() time.Time
}

// NewUserService creates a new user service
func NewUserService(database *db.DB, m *metrics.AppMetrics) *UserService {
	return &UserService{
		db:      database,
		metrics: m,
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
	}
}

// CreateUser creates a new user with a hashed password
func (s *UserService) CreateUser(ctx context.Context, req models.CreateUserRequest) (*models.User, error) {
	v := validator{}
	v.check(strings.TrimSpace(req.Username) != "", "username", "this field is required")
	v.check(len([]rune(req.Username)) <= 150, "username", "must be at most 150 characters")
	checkPassword(v, req.Password)
	checkEmail(v, req.Email)
	if err := v.err(); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	createdAt := s.now().UTC().Truncate(time.Second)
	start := time.Now()
	result, err := s.db.ExecContext(ctx, insertUserQuery, req.Username, req.Email, string(hash), createdAt)
	s.metrics.RecordDBQuery(ctx, "INSERT", "users", insertUserQuery, start, err == nil)
	if err != nil {
		return nil, translateWriteError(err, "failed to create user")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}

	log.Printf("[AUTH] User created: user_id=%d", id)
	return &models.User{
		ID:           id,
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		CreatedAt:    createdAt,
	}, nil
}

// GetUser returns a user by ID
func (s *UserService) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.getUser(ctx, userByIDQuery, id)
}

// ListUsers returns all users ordered by id
func (s *UserService) ListUsers(ctx context.Context) ([]models.User, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, listUsersQuery)
	s.metrics.RecordDBQuery(ctx, "SELECT", "users", listUsersQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser changes the email and/or password of a user
func (s *UserService) UpdateUser(ctx context.Context, id int64, req models.UpdateUserRequest) (*models.User, error) {
	v := validator{}
	if req.Email != nil {
		checkEmail(v, *req.Email)
	}
	if req.Password != nil {
		checkPassword(v, *req.Password)
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	user, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), s.cost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		user.PasswordHash = string(hash)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx, updateUserQuery, user.Email, user.PasswordHash, id)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "users", updateUserQuery, start, err == nil)
	if err != nil {
		return nil, translateWriteError(err, "failed to update user")
	}
	return user, nil
}

// DeleteUser removes a user without orders.
func (s *UserService) DeleteUser(ctx context.Context, id int64) error {
	return deleteByID(ctx, s.metrics, s.db, "users", deleteUserQuery, id, nil)
}

// Authenticate checks a username/password pair. Unknown users and wrong
// passwords both yield ErrInvalidCredentials.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.getUser(ctx, userByUsernameQuery, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		log.Printf("[AUTH] Rejected credentials: user_id=%d", user.ID)
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *UserService) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	start := time.Now()
	user, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	s.metrics.RecordDBQuery(ctx, "SELECT", "users", query, start, err == nil || errors.Is(err, ErrNotFound))
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

func checkPassword(v validator, password string) {
	v.check(len(password) >= minPasswordLength, "password",
		fmt.Sprintf("must be at least %d characters", minPasswordLength))
	v.check(len(password) <= maxPasswordBytes, "password",
		fmt.Sprintf("must be at most %d bytes", maxPasswordBytes))
}

func checkEmail(v validator, email string) {
	if email == "" {
		return
	}
	_, err := mail.ParseAddress(email)
	v.check(err == nil, "email", "must be a valid email address")
}
