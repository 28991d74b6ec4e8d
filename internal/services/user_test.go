package services

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/storefront/storefront-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var userColumnList = []string{"id", "username", "email", "password_hash", "created_at"}

func newTestUserService(t *testing.T) (*UserService, sqlmock.Sqlmock) {
	database, mock := newMockDB(t)
	s := NewUserService(database, newTestMetrics(t))
	s.cost = bcrypt.MinCost
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func TestCreateUser_HashesPassword(t *testing.T) {
	s, mock := newTestUserService(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("ann", "ann@example.com", sqlmock.AnyArg(), fixedNow.Truncate(time.Second)).
		WillReturnResult(sqlmock.NewResult(5, 1))

	user, err := s.CreateUser(context.Background(), models.CreateUserRequest{Username: "ann", Password: "correct horse", Email: "ann@example.com"})
	require.NoError(t, err)
	assert.EqualValues(t, 5, user.ID)
	assert.NotEqual(t, "correct horse", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("correct horse")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_Duplicate(t *testing.T) {
	s, mock := newTestUserService(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'ann' for key 'users.username'"})

	_, err := s.CreateUser(context.Background(), models.CreateUserRequest{Username: "ann", Password: "correct horse"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_Validation(t *testing.T) {
	s, mock := newTestUserService(t)

	_, err := s.CreateUser(context.Background(), models.CreateUserRequest{Username: "", Password: "short", Email: "nope"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{"right password", "correct horse", nil},
		{"wrong password", "battery staple", ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestUserService(t)
			mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE username = ?")).WithArgs("ann").
				WillReturnRows(sqlmock.NewRows(userColumnList).AddRow(5, "ann", "", string(hash), fixedNow))

			user, err := s.Authenticate(context.Background(), "ann", tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.EqualValues(t, 5, user.ID)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAuthenticate_UnknownUser(t *testing.T) {
	s, mock := newTestUserService(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE username = ?")).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(userColumnList))

	_, err := s.Authenticate(context.Background(), "ghost", "whatever1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUser_WithOrdersIsProtected(t *testing.T) {
	s, mock := newTestUserService(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = ?")).WithArgs(5).
		WillReturnError(&mysql.MySQLError{Number: 1451})

	assert.ErrorIs(t, s.DeleteUser(context.Background(), 5), ErrProtected)
	assert.NoError(t, mock.ExpectationsWereMet())
}
