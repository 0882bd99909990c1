package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// codeAlphabet is the character set for generated code suffixes.
// 36^6 combinations make accidental collisions practically impossible.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// codeSuffixLen is the number of random characters after the prefix.
const codeSuffixLen = 6

// maxGenerateAttempts bounds unique code generation so a pathologically full
// code space surfaces ErrCodeSpaceExhausted instead of looping forever.
const maxGenerateAttempts = 100

// Compile-time check that SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// SQLStore is the SQLite-backed implementation of Store.
type SQLStore struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// An empty path opens a shared in-memory database, useful for tests.
func Open(path string) (*SQLStore, error) {
	if path == "" {
		path = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time. A single pooled connection
	// serializes conflicting writes instead of surfacing busy errors.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Code{}, &User{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an already-open gorm database.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// PutCode inserts a new code row.
func (s *SQLStore) PutCode(ctx context.Context, code string, maxUses int, isAdmin bool) error {
	row := Code{Code: code, MaxUses: maxUses, IsAdmin: isAdmin}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("insert code: %w", err)
	}
	return nil
}

// GetCode fetches a code by its primary key.
func (s *SQLStore) GetCode(ctx context.Context, code string) (*Code, error) {
	var row Code
	err := s.db.WithContext(ctx).First(&row, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("select code: %w", err)
	}
	return &row, nil
}

// PutUser inserts a new user binding.
func (s *SQLStore) PutUser(ctx context.Context, username, code string) error {
	row := User{Username: username, Code: code}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser fetches a user by username.
func (s *SQLStore) GetUser(ctx context.Context, username string) (*User, error) {
	var row User
	err := s.db.WithContext(ctx).First(&row, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &row, nil
}

// BindUser registers a username against a code and optionally marks the code
// used, all inside one transaction. The guarded UPDATE on is_used serializes
// concurrent first-use binds: only one transaction observes is_used = false.
func (s *SQLStore) BindUser(ctx context.Context, username, code string, markUsed bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := User{Username: username, Code: code}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateUser
			}
			return fmt.Errorf("insert user: %w", err)
		}

		if !markUsed {
			return nil
		}

		res := tx.Model(&Code{}).
			Where("code = ? AND is_used = ?", code, false).
			Update("is_used", true)
		if res.Error != nil {
			return fmt.Errorf("mark code used: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCodeAlreadyUsed
		}
		return nil
	})
}

// IncrementConsumption records one unit of consumption for the user.
func (s *SQLStore) IncrementConsumption(ctx context.Context, username string) error {
	res := s.db.WithContext(ctx).Model(&User{}).
		Where("username = ?", username).
		Updates(map[string]any{
			"consumed_count": gorm.Expr("consumed_count + 1"),
			"last_active_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("increment consumption: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteCode removes a code and all users bound to it. Idempotent.
func (s *SQLStore) DeleteCode(ctx context.Context, code string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&User{}, "code = ?", code).Error; err != nil {
			return fmt.Errorf("delete users for code: %w", err)
		}
		if err := tx.Delete(&Code{}, "code = ?", code).Error; err != nil {
			return fmt.Errorf("delete code: %w", err)
		}
		return nil
	})
}

// CreateCodes inserts a batch of codes atomically.
func (s *SQLStore) CreateCodes(ctx context.Context, codes []Code) error {
	if len(codes) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range codes {
			if err := tx.Create(&codes[i]).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrDuplicateCode
				}
				return fmt.Errorf("insert code %q: %w", codes[i].Code, err)
			}
		}
		return nil
	})
}

// GenerateUniqueCode produces a fresh "{prefix}_{XXXXXX}" code, retrying on
// collision with existing rows up to maxGenerateAttempts. An empty prefix
// defaults to "MK".
func (s *SQLStore) GenerateUniqueCode(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		prefix = "MK"
	}
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		code := fmt.Sprintf("%s_%s", prefix, randomSuffix(codeSuffixLen))

		var count int64
		err := s.db.WithContext(ctx).Model(&Code{}).
			Where("code = ?", code).
			Count(&count).Error
		if err != nil {
			return "", fmt.Errorf("check code collision: %w", err)
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// ListCodes returns aggregate statistics per code.
func (s *SQLStore) ListCodes(ctx context.Context) ([]CodeReport, error) {
	var reports []CodeReport
	err := s.db.WithContext(ctx).Raw(
		`SELECT c.code, c.max_uses, c.is_admin, c.is_used, c.created_at,
		        COUNT(u.username) AS user_count,
		        COALESCE(SUM(u.consumed_count), 0) AS total_consumed
		 FROM codes c
		 LEFT JOIN users u ON u.code = c.code
		 GROUP BY c.code
		 ORDER BY c.created_at DESC`,
	).Scan(&reports).Error
	if err != nil {
		return nil, fmt.Errorf("list codes: %w", err)
	}
	return reports, nil
}

// ListUsers returns user statistics, optionally filtered by code.
func (s *SQLStore) ListUsers(ctx context.Context, filterCode string) ([]UserReport, error) {
	query := `SELECT u.username, u.code, u.consumed_count, c.max_uses, u.last_active_at
	          FROM users u
	          JOIN codes c ON c.code = u.code`
	args := []any{}
	if filterCode != "" {
		query += ` WHERE u.code = ?`
		args = append(args, filterCode)
	}
	query += ` ORDER BY u.username`

	var reports []UserReport
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&reports).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return reports, nil
}

// randomSuffix returns n random characters from codeAlphabet. Collision
// avoidance, not secrecy, is the property that matters here; crypto/rand is
// simply the most convenient unbiased source.
func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// Extremely unlikely; fall back to a time-derived suffix.
		return fmt.Sprintf("%06X", time.Now().UnixNano()&0xFFFFFF)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out)
}
