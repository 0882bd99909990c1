// Package quota encodes the admission and consumption policy on top of the
// ledger store: validating (username, code) pairs, first-use registration,
// enforcing per-code limits, issuing and revoking codes, and admin checks.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mkvid/commentary-api/internal/ledger"
)

// ErrIssuance is returned when code issuance fails after retries.
var ErrIssuance = errors.New("quota: code issuance failed")

// issueAttempts bounds retries when a generated code loses an insert race.
const issueAttempts = 3

// Reason identifies why a validation was rejected.
type Reason string

// Rejection reasons. These are exhaustive: a rejected Decision carries
// exactly one of them.
const (
	// ReasonInvalidCode means the code does not exist.
	ReasonInvalidCode Reason = "INVALID_CODE"
	// ReasonCodeMismatch means the username is already bound to a different code.
	ReasonCodeMismatch Reason = "CODE_MISMATCH"
	// ReasonLimitExceeded means the user has consumed the code's full allowance.
	ReasonLimitExceeded Reason = "LIMIT_EXCEEDED"
	// ReasonCodeAlreadyConsumed means a non-admin code was already claimed
	// by another username.
	ReasonCodeAlreadyConsumed Reason = "CODE_ALREADY_CONSUMED"
)

// Message returns the human-readable rejection message shown to callers.
func (r Reason) Message() string {
	switch r {
	case ReasonInvalidCode:
		return "Invalid code"
	case ReasonCodeMismatch:
		return "Username already registered with a different code"
	case ReasonLimitExceeded:
		return "Video limit exceeded"
	case ReasonCodeAlreadyConsumed:
		return "This code has already been used"
	default:
		return "Access denied"
	}
}

// Decision is the outcome of validating a (username, code) pair.
type Decision struct {
	// Accepted reports whether the pair was admitted.
	Accepted bool
	// Reason is set when Accepted is false.
	Reason Reason
	// Remaining is the allowance left after acceptance.
	// ledger.UnlimitedUses means no limit applies.
	Remaining int
	// NewUser reports whether this validation performed first-use registration.
	NewUser bool
}

func rejected(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Authority layers admission policy over a ledger.Store.
type Authority struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewAuthority creates a quota Authority.
func NewAuthority(store ledger.Store, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{store: store, logger: logger}
}

// Validate checks a (username, code) pair and returns a Decision.
//
// Validation of a brand-new username is not read-only: it registers the user
// and, for non-admin codes, flips the code's used flag in one store
// transaction, so concurrent validations for the same new username against a
// single-use code cannot both succeed. The returned error is reserved for
// store faults; policy outcomes are always expressed in the Decision.
func (a *Authority) Validate(ctx context.Context, username, code string) (Decision, error) {
	codeRow, err := a.store.GetCode(ctx, code)
	if err != nil {
		if errors.Is(err, ledger.ErrCodeNotFound) {
			return rejected(ReasonInvalidCode), nil
		}
		return Decision{}, fmt.Errorf("validate: %w", err)
	}

	user, err := a.store.GetUser(ctx, username)
	switch {
	case err == nil:
		return a.decideBound(codeRow, user), nil
	case errors.Is(err, ledger.ErrUserNotFound):
		return a.registerNew(ctx, username, codeRow)
	default:
		return Decision{}, fmt.Errorf("validate: %w", err)
	}
}

// decideBound evaluates an already-registered user against the supplied code.
func (a *Authority) decideBound(codeRow *ledger.Code, user *ledger.User) Decision {
	if user.Code != codeRow.Code {
		return rejected(ReasonCodeMismatch)
	}
	if !codeRow.IsAdmin && codeRow.MaxUses != ledger.UnlimitedUses &&
		user.ConsumedCount >= codeRow.MaxUses {
		return rejected(ReasonLimitExceeded)
	}
	return Decision{Accepted: true, Remaining: remaining(codeRow.MaxUses, user.ConsumedCount)}
}

// registerNew performs first-use registration for an unknown username.
func (a *Authority) registerNew(ctx context.Context, username string, codeRow *ledger.Code) (Decision, error) {
	if !codeRow.IsAdmin && codeRow.IsUsed {
		return rejected(ReasonCodeAlreadyConsumed), nil
	}

	err := a.store.BindUser(ctx, username, codeRow.Code, !codeRow.IsAdmin)
	switch {
	case err == nil:
		a.logger.Info("registered new user",
			slog.String("username", username),
			slog.String("code", codeRow.Code),
			slog.Bool("is_admin", codeRow.IsAdmin),
		)
		return Decision{
			Accepted:  true,
			Remaining: remaining(codeRow.MaxUses, 0),
			NewUser:   true,
		}, nil

	case errors.Is(err, ledger.ErrCodeAlreadyUsed):
		// Lost the race to another username claiming the same code.
		return rejected(ReasonCodeAlreadyConsumed), nil

	case errors.Is(err, ledger.ErrDuplicateUser):
		// Lost the race to a concurrent validation for the same username.
		// Re-read and evaluate as a bound user.
		user, getErr := a.store.GetUser(ctx, username)
		if getErr != nil {
			return Decision{}, fmt.Errorf("validate: %w", getErr)
		}
		return a.decideBound(codeRow, user), nil

	default:
		return Decision{}, fmt.Errorf("validate: %w", err)
	}
}

// remaining computes the allowance left for a code with the given limit.
func remaining(maxUses, consumed int) int {
	if maxUses <= 0 {
		return ledger.UnlimitedUses
	}
	return maxUses - consumed
}

// RecordConsumption records one unit of consumption for the user.
// The caller should only decrement its locally tracked remaining count when
// this returns nil.
func (a *Authority) RecordConsumption(ctx context.Context, username string) error {
	if err := a.store.IncrementConsumption(ctx, username); err != nil {
		a.logger.Error("failed to record consumption",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("record consumption: %w", err)
	}
	return nil
}

// IsAdmin reports whether the username is bound to an admin code.
// Unknown usernames and store faults report false rather than an error.
func (a *Authority) IsAdmin(ctx context.Context, username string) bool {
	user, err := a.store.GetUser(ctx, username)
	if err != nil {
		return false
	}
	code, err := a.store.GetCode(ctx, user.Code)
	if err != nil {
		return false
	}
	return code.IsAdmin
}

// IssueCode generates and persists one code. A generated code can lose the
// insert race to a concurrent issuance, so insertion is retried a few times
// before giving up with ErrIssuance.
func (a *Authority) IssueCode(ctx context.Context, prefix string, maxUses int, isAdmin bool) (string, error) {
	for attempt := 0; attempt < issueAttempts; attempt++ {
		code, err := a.store.GenerateUniqueCode(ctx, prefix)
		if err != nil {
			return "", fmt.Errorf("issue code: %w", err)
		}

		err = a.store.PutCode(ctx, code, maxUses, isAdmin)
		if err == nil {
			a.logger.Info("issued code",
				slog.String("code", code),
				slog.Int("max_uses", maxUses),
				slog.Bool("is_admin", isAdmin),
			)
			return code, nil
		}
		if !errors.Is(err, ledger.ErrDuplicateCode) {
			return "", fmt.Errorf("issue code: %w", err)
		}
	}
	return "", ErrIssuance
}

// IssueCodes issues n codes with the same limit inside one transaction.
// Bulk issuance is all-or-nothing: any failure returns no codes.
func (a *Authority) IssueCodes(ctx context.Context, n, maxUses int, prefix string) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	batch := make([]ledger.Code, 0, n)
	seen := make(map[string]struct{}, n)
	for len(batch) < n {
		code, err := a.store.GenerateUniqueCode(ctx, prefix)
		if err != nil {
			a.logger.Error("bulk issuance aborted",
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("issue codes: %w", err)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		batch = append(batch, ledger.Code{Code: code, MaxUses: maxUses})
	}

	if err := a.store.CreateCodes(ctx, batch); err != nil {
		a.logger.Error("bulk issuance failed",
			slog.Int("requested", n),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("issue codes: %w", err)
	}

	codes := make([]string, len(batch))
	for i, c := range batch {
		codes[i] = c.Code
	}
	a.logger.Info("issued codes in bulk",
		slog.Int("count", len(codes)),
		slog.Int("max_uses", maxUses),
	)
	return codes, nil
}

// RevokeCode deletes a code and cascades to its bound users.
func (a *Authority) RevokeCode(ctx context.Context, code string) error {
	if err := a.store.DeleteCode(ctx, code); err != nil {
		return fmt.Errorf("revoke code: %w", err)
	}
	a.logger.Info("revoked code", slog.String("code", code))
	return nil
}

// ListCodes returns per-code aggregate statistics for admin reporting.
func (a *Authority) ListCodes(ctx context.Context) ([]ledger.CodeReport, error) {
	return a.store.ListCodes(ctx)
}

// ListUsers returns user statistics, optionally filtered by code.
func (a *Authority) ListUsers(ctx context.Context, filterCode string) ([]ledger.UserReport, error) {
	return a.store.ListUsers(ctx, filterCode)
}

// Seed ensures the bootstrap admin code and its bound admin user exist.
// It is idempotent and safe to run on every startup.
func (a *Authority) Seed(ctx context.Context, adminUsername, adminCode string) error {
	err := a.store.PutCode(ctx, adminCode, ledger.UnlimitedUses, true)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateCode) {
		return fmt.Errorf("seed admin code: %w", err)
	}

	err = a.store.BindUser(ctx, adminUsername, adminCode, false)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateUser) {
		return fmt.Errorf("seed admin user: %w", err)
	}

	a.logger.Info("admin credentials seeded",
		slog.String("username", adminUsername),
	)
	return nil
}
