package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkvid/commentary-api/internal/ledger"
)

func newTestAuthority(t *testing.T) (*Authority, *ledger.SQLStore) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	return NewAuthority(store, nil), store
}

func TestValidate_InvalidCode(t *testing.T) {
	auth, _ := newTestAuthority(t)

	decision, err := auth.Validate(context.Background(), "alice", "MK_NOPE01")
	require.NoError(t, err)
	assert.False(t, decision.Accepted)
	assert.Equal(t, ReasonInvalidCode, decision.Reason)
}

func TestValidate_NewUserBindsAndMarksUsed(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, "MK_NEW001", 5, false))

	decision, err := auth.Validate(ctx, "alice", "MK_NEW001")
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
	assert.True(t, decision.NewUser)
	assert.Equal(t, 5, decision.Remaining)

	code, err := store.GetCode(ctx, "MK_NEW001")
	require.NoError(t, err)
	assert.True(t, code.IsUsed, "non-admin code must be marked used on first bind")

	user, err := store.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "MK_NEW001", user.Code)
}

func TestValidate_CodeMismatch(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, "MK_FIRST1", 5, false))
	require.NoError(t, store.PutCode(ctx, "MK_OTHER1", 5, false))

	_, err := auth.Validate(ctx, "alice", "MK_FIRST1")
	require.NoError(t, err)

	decision, err := auth.Validate(ctx, "alice", "MK_OTHER1")
	require.NoError(t, err)
	assert.False(t, decision.Accepted)
	assert.Equal(t, ReasonCodeMismatch, decision.Reason)
}

func TestValidate_CodeAlreadyConsumed(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, "MK_ONCE01", 5, false))

	_, err := auth.Validate(ctx, "alice", "MK_ONCE01")
	require.NoError(t, err)

	decision, err := auth.Validate(ctx, "bob", "MK_ONCE01")
	require.NoError(t, err)
	assert.False(t, decision.Accepted)
	assert.Equal(t, ReasonCodeAlreadyConsumed, decision.Reason)
}

// Mirrors the end-to-end redemption flow: a max_uses=2 code accepts its bound
// user until both units are consumed, then rejects with the limit reason.
func TestValidate_ConsumptionLifecycle(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, "MK_ABC123", 2, false))

	decision, err := auth.Validate(ctx, "bob", "MK_ABC123")
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	assert.Equal(t, 2, decision.Remaining)

	require.NoError(t, auth.RecordConsumption(ctx, "bob"))

	decision, err = auth.Validate(ctx, "bob", "MK_ABC123")
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	assert.Equal(t, 1, decision.Remaining)

	require.NoError(t, auth.RecordConsumption(ctx, "bob"))

	decision, err = auth.Validate(ctx, "bob", "MK_ABC123")
	require.NoError(t, err)
	assert.False(t, decision.Accepted)
	assert.Equal(t, ReasonLimitExceeded, decision.Reason)
}

func TestValidate_AdminUnlimited(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, "ADMIN_MASTER", ledger.UnlimitedUses, true))

	// Admin codes accept many distinct usernames and are never marked used.
	for _, name := range []string{"root", "ops"} {
		decision, err := auth.Validate(ctx, name, "ADMIN_MASTER")
		require.NoError(t, err)
		assert.True(t, decision.Accepted)
		assert.Equal(t, ledger.UnlimitedUses, decision.Remaining)
	}

	code, err := store.GetCode(ctx, "ADMIN_MASTER")
	require.NoError(t, err)
	assert.False(t, code.IsUsed)

	assert.True(t, auth.IsAdmin(ctx, "root"))
	assert.False(t, auth.IsAdmin(ctx, "stranger"))
}

func TestValidate_ConcurrentNewUsers_SingleUseCode(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, "MK_RACE01", 1, false))

	const attempts = 8
	decisions := make([]Decision, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			username := string(rune('a'+i)) + "_racer"
			decisions[i], errs[i] = auth.Validate(ctx, username, "MK_RACE01")
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		if decisions[i].Accepted {
			accepted++
		} else {
			assert.Equal(t, ReasonCodeAlreadyConsumed, decisions[i].Reason)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one concurrent bind may win")
}

func TestRecordConsumption_UnknownUser(t *testing.T) {
	auth, _ := newTestAuthority(t)

	err := auth.RecordConsumption(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestIssueCode(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	code, err := auth.IssueCode(ctx, "MK", 5, false)
	require.NoError(t, err)
	assert.Regexp(t, `^MK_[A-Z0-9]{6}$`, code)

	row, err := store.GetCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 5, row.MaxUses)
	assert.False(t, row.IsAdmin)
}

func TestIssueCodes_Bulk(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	codes, err := auth.IssueCodes(ctx, 50, 3, "MK")
	require.NoError(t, err)
	require.Len(t, codes, 50)

	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		_, dup := seen[code]
		require.False(t, dup, "duplicate code %q in bulk batch", code)
		seen[code] = struct{}{}

		row, err := store.GetCode(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, 3, row.MaxUses)
	}
}

func TestIssueCodes_ZeroCount(t *testing.T) {
	auth, _ := newTestAuthority(t)

	codes, err := auth.IssueCodes(context.Background(), 0, 3, "MK")
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestRevokeCode(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, "MK_GONE01", 5, false))
	_, err := auth.Validate(ctx, "alice", "MK_GONE01")
	require.NoError(t, err)

	require.NoError(t, auth.RevokeCode(ctx, "MK_GONE01"))

	_, err = store.GetCode(ctx, "MK_GONE01")
	assert.ErrorIs(t, err, ledger.ErrCodeNotFound)
	_, err = store.GetUser(ctx, "alice")
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)

	// Revoking again is a no-op.
	require.NoError(t, auth.RevokeCode(ctx, "MK_GONE01"))
}

func TestSeed_Idempotent(t *testing.T) {
	auth, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, auth.Seed(ctx, "mani", "ADMIN_MASTER"))
	require.NoError(t, auth.Seed(ctx, "mani", "ADMIN_MASTER"))

	code, err := store.GetCode(ctx, "ADMIN_MASTER")
	require.NoError(t, err)
	assert.True(t, code.IsAdmin)
	assert.Equal(t, ledger.UnlimitedUses, code.MaxUses)

	assert.True(t, auth.IsAdmin(ctx, "mani"))
}

func TestReason_Message(t *testing.T) {
	tests := []struct {
		reason Reason
		want   string
	}{
		{ReasonInvalidCode, "Invalid code"},
		{ReasonCodeMismatch, "Username already registered with a different code"},
		{ReasonLimitExceeded, "Video limit exceeded"},
		{ReasonCodeAlreadyConsumed, "This code has already been used"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.reason.Message())
	}
}

func TestValidate_StoreFaultPropagates(t *testing.T) {
	store, err := ledger.Open(filepath.Join(t.TempDir(), "fault.db"))
	require.NoError(t, err)
	auth := NewAuthority(failingStore{Store: store}, nil)

	_, err = auth.Validate(context.Background(), "alice", "MK_ANY001")
	require.Error(t, err)
	assert.ErrorIs(t, err, errBroken)
}

var errBroken = errors.New("store is down")

// failingStore wraps a real store but fails code reads.
type failingStore struct {
	ledger.Store
}

func (failingStore) GetCode(context.Context, string) (*ledger.Code, error) {
	return nil, errBroken
}
