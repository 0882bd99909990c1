// Package ledger provides durable storage for access codes and the users
// bound to them. It owns the two persisted tables (codes, users) and exposes
// a Store port; admission policy lives in the quota package.
package ledger

import (
	"context"
	"errors"
	"time"
)

// UnlimitedUses marks a code whose consumption is not limited.
const UnlimitedUses = -1

// Static errors returned by Store implementations.
var (
	// ErrCodeNotFound is returned when a code does not exist.
	ErrCodeNotFound = errors.New("ledger: code not found")
	// ErrUserNotFound is returned when a username does not exist.
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrDuplicateCode is returned when inserting a code that already exists.
	ErrDuplicateCode = errors.New("ledger: code already exists")
	// ErrDuplicateUser is returned when inserting a username that already exists.
	ErrDuplicateUser = errors.New("ledger: user already exists")
	// ErrCodeAlreadyUsed is returned when binding to a single-use code that
	// has already been claimed by another user.
	ErrCodeAlreadyUsed = errors.New("ledger: code already used")
	// ErrCodeSpaceExhausted is returned when unique code generation gives up
	// after the maximum number of attempts.
	ErrCodeSpaceExhausted = errors.New("ledger: could not generate unique code")
)

// Code is an access token gating quota and admin privilege.
type Code struct {
	// Code is the token string, e.g. "MK_A1B2C3".
	Code string `gorm:"primaryKey"`
	// MaxUses is the number of pipeline runs the code allows.
	// UnlimitedUses means no limit.
	MaxUses int `gorm:"not null"`
	// IsAdmin marks admin codes, which bypass limits and single-use semantics.
	IsAdmin bool `gorm:"not null;default:false"`
	// IsUsed is set once a user binds to a non-admin code. A non-admin code
	// supports exactly one bound username over its lifetime.
	IsUsed bool `gorm:"not null;default:false"`
	// CreatedAt is when the code was issued.
	CreatedAt time.Time
}

// TableName sets the codes table name.
func (Code) TableName() string { return "codes" }

// User is a binding between a chosen username and the code that authorized it.
// The code is immutable after creation; a username never rebinds.
type User struct {
	// Username is the caller-chosen identifier.
	Username string `gorm:"primaryKey"`
	// Code references codes.code.
	Code string `gorm:"not null;index"`
	// ConsumedCount is the number of recorded consumptions.
	ConsumedCount int `gorm:"not null;default:0"`
	// LastActiveAt is updated on each consumption.
	LastActiveAt time.Time
}

// TableName sets the users table name.
func (User) TableName() string { return "users" }

// CodeReport is an aggregate view of a code and its bound users.
type CodeReport struct {
	Code          string    `json:"code"`
	MaxUses       int       `json:"max_uses"`
	IsAdmin       bool      `json:"is_admin"`
	IsUsed        bool      `json:"is_used"`
	UserCount     int       `json:"user_count"`
	TotalConsumed int       `json:"total_consumed"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserReport is a per-user view joined with the bound code's limit.
type UserReport struct {
	Username      string    `json:"username"`
	Code          string    `json:"code"`
	ConsumedCount int       `json:"consumed_count"`
	MaxUses       int       `json:"max_uses"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// Store defines the persistence port for codes and users.
// All mutating operations are transactional: multi-statement operations
// either fully apply or fully roll back.
type Store interface {
	// PutCode inserts a new code. Returns ErrDuplicateCode if it exists.
	PutCode(ctx context.Context, code string, maxUses int, isAdmin bool) error

	// GetCode returns a code or ErrCodeNotFound.
	GetCode(ctx context.Context, code string) (*Code, error)

	// PutUser inserts a new user binding. Returns ErrDuplicateUser if the
	// username exists.
	PutUser(ctx context.Context, username, code string) error

	// GetUser returns a user or ErrUserNotFound.
	GetUser(ctx context.Context, username string) (*User, error)

	// BindUser inserts a user binding and, when markUsed is true, flips the
	// code's used flag in the same transaction. Returns ErrDuplicateUser if
	// the username exists and ErrCodeAlreadyUsed if the used flag was
	// already set, so concurrent binds against a single-use code cannot
	// both succeed.
	BindUser(ctx context.Context, username, code string, markUsed bool) error

	// IncrementConsumption atomically increments the user's consumed count
	// and updates last_active_at. Returns ErrUserNotFound if no such user.
	IncrementConsumption(ctx context.Context, username string) error

	// DeleteCode removes a code and cascades deletion of its bound users.
	// Deleting a non-existent code is not an error.
	DeleteCode(ctx context.Context, code string) error

	// CreateCodes inserts a batch of codes in one transaction.
	CreateCodes(ctx context.Context, codes []Code) error

	// GenerateUniqueCode produces "{prefix}_{6 uppercase alphanumerics}"
	// with no collision in the store. Returns ErrCodeSpaceExhausted when
	// attempts run out.
	GenerateUniqueCode(ctx context.Context, prefix string) (string, error)

	// ListCodes returns all codes with per-code user counts and totals.
	ListCodes(ctx context.Context) ([]CodeReport, error)

	// ListUsers returns user statistics, optionally filtered by code.
	ListUsers(ctx context.Context, filterCode string) ([]UserReport, error)
}
