package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return store
}

func TestSQLStore_PutCode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	t.Run("inserts new code", func(t *testing.T) {
		if err := store.PutCode(ctx, "MK_AAAAAA", 5, false); err != nil {
			t.Fatalf("PutCode() error = %v", err)
		}

		code, err := store.GetCode(ctx, "MK_AAAAAA")
		if err != nil {
			t.Fatalf("GetCode() error = %v", err)
		}
		if code.MaxUses != 5 {
			t.Errorf("MaxUses = %d, want 5", code.MaxUses)
		}
		if code.IsAdmin || code.IsUsed {
			t.Errorf("expected fresh non-admin code, got admin=%v used=%v", code.IsAdmin, code.IsUsed)
		}
		if code.CreatedAt.IsZero() {
			t.Error("expected CreatedAt to be set")
		}
	})

	t.Run("rejects duplicate code", func(t *testing.T) {
		err := store.PutCode(ctx, "MK_AAAAAA", 10, false)
		if !errors.Is(err, ErrDuplicateCode) {
			t.Errorf("expected ErrDuplicateCode, got %v", err)
		}
	})
}

func TestSQLStore_GetCode_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetCode(context.Background(), "MK_MISSING")
	if !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected ErrCodeNotFound, got %v", err)
	}
}

func TestSQLStore_PutUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.PutCode(ctx, "MK_USERS1", 5, false); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}

	if err := store.PutUser(ctx, "alice", "MK_USERS1"); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}

	err := store.PutUser(ctx, "alice", "MK_USERS1")
	if !errors.Is(err, ErrDuplicateUser) {
		t.Errorf("expected ErrDuplicateUser, got %v", err)
	}

	_, err = store.GetUser(ctx, "nobody")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSQLStore_BindUser(t *testing.T) {
	ctx := context.Background()

	t.Run("marks single-use code as used", func(t *testing.T) {
		store := openTestStore(t)
		if err := store.PutCode(ctx, "MK_BIND01", 3, false); err != nil {
			t.Fatalf("PutCode() error = %v", err)
		}

		if err := store.BindUser(ctx, "alice", "MK_BIND01", true); err != nil {
			t.Fatalf("BindUser() error = %v", err)
		}

		code, err := store.GetCode(ctx, "MK_BIND01")
		if err != nil {
			t.Fatalf("GetCode() error = %v", err)
		}
		if !code.IsUsed {
			t.Error("expected code to be marked used")
		}
	})

	t.Run("second bind against used code fails", func(t *testing.T) {
		store := openTestStore(t)
		if err := store.PutCode(ctx, "MK_BIND02", 3, false); err != nil {
			t.Fatalf("PutCode() error = %v", err)
		}
		if err := store.BindUser(ctx, "alice", "MK_BIND02", true); err != nil {
			t.Fatalf("BindUser() error = %v", err)
		}

		err := store.BindUser(ctx, "bob", "MK_BIND02", true)
		if !errors.Is(err, ErrCodeAlreadyUsed) {
			t.Errorf("expected ErrCodeAlreadyUsed, got %v", err)
		}

		// The failed bind must not leave a user row behind.
		if _, err := store.GetUser(ctx, "bob"); !errors.Is(err, ErrUserNotFound) {
			t.Errorf("expected rollback of user insert, got %v", err)
		}
	})

	t.Run("admin code binds many users without used flag", func(t *testing.T) {
		store := openTestStore(t)
		if err := store.PutCode(ctx, "ADMIN_MASTER", UnlimitedUses, true); err != nil {
			t.Fatalf("PutCode() error = %v", err)
		}

		for _, name := range []string{"root", "ops", "mani"} {
			if err := store.BindUser(ctx, name, "ADMIN_MASTER", false); err != nil {
				t.Fatalf("BindUser(%q) error = %v", name, err)
			}
		}

		code, err := store.GetCode(ctx, "ADMIN_MASTER")
		if err != nil {
			t.Fatalf("GetCode() error = %v", err)
		}
		if code.IsUsed {
			t.Error("admin code must never be marked used")
		}
	})
}

func TestSQLStore_IncrementConsumption(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.PutCode(ctx, "MK_INCR01", 5, false); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}
	if err := store.BindUser(ctx, "alice", "MK_INCR01", true); err != nil {
		t.Fatalf("BindUser() error = %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := store.IncrementConsumption(ctx, "alice"); err != nil {
			t.Fatalf("IncrementConsumption() error = %v", err)
		}
		user, err := store.GetUser(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUser() error = %v", err)
		}
		if user.ConsumedCount != i {
			t.Errorf("ConsumedCount = %d, want %d", user.ConsumedCount, i)
		}
		if user.LastActiveAt.IsZero() {
			t.Error("expected LastActiveAt to be set")
		}
	}

	err := store.IncrementConsumption(ctx, "nobody")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSQLStore_DeleteCode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.PutCode(ctx, "MK_DEL001", UnlimitedUses, true); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}
	for _, name := range []string{"alice", "bob"} {
		if err := store.BindUser(ctx, name, "MK_DEL001", false); err != nil {
			t.Fatalf("BindUser(%q) error = %v", name, err)
		}
	}

	t.Run("cascades to bound users", func(t *testing.T) {
		if err := store.DeleteCode(ctx, "MK_DEL001"); err != nil {
			t.Fatalf("DeleteCode() error = %v", err)
		}

		if _, err := store.GetCode(ctx, "MK_DEL001"); !errors.Is(err, ErrCodeNotFound) {
			t.Errorf("expected code gone, got %v", err)
		}
		for _, name := range []string{"alice", "bob"} {
			if _, err := store.GetUser(ctx, name); !errors.Is(err, ErrUserNotFound) {
				t.Errorf("expected user %q gone, got %v", name, err)
			}
		}
	})

	t.Run("deleting a missing code is a no-op", func(t *testing.T) {
		if err := store.DeleteCode(ctx, "MK_NEVER"); err != nil {
			t.Errorf("DeleteCode() error = %v, want nil", err)
		}
	})
}

func TestSQLStore_CreateCodes_Atomic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.PutCode(ctx, "MK_CLASH1", 1, false); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}

	batch := []Code{
		{Code: "MK_BULK01", MaxUses: 2},
		{Code: "MK_CLASH1", MaxUses: 2}, // collides with existing row
		{Code: "MK_BULK02", MaxUses: 2},
	}
	err := store.CreateCodes(ctx, batch)
	if !errors.Is(err, ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}

	// The whole batch must have rolled back, including the row before the clash.
	if _, err := store.GetCode(ctx, "MK_BULK01"); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("expected MK_BULK01 rolled back, got %v", err)
	}
}

func TestSQLStore_GenerateUniqueCode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	t.Run("format", func(t *testing.T) {
		code, err := store.GenerateUniqueCode(ctx, "MK")
		if err != nil {
			t.Fatalf("GenerateUniqueCode() error = %v", err)
		}
		if !strings.HasPrefix(code, "MK_") {
			t.Errorf("code %q should start with MK_", code)
		}
		suffix := strings.TrimPrefix(code, "MK_")
		if len(suffix) != codeSuffixLen {
			t.Errorf("suffix %q should have %d chars", suffix, codeSuffixLen)
		}
		for _, r := range suffix {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Errorf("suffix char %q outside alphabet", r)
			}
		}
	})

	t.Run("1000 generated codes are distinct", func(t *testing.T) {
		seen := make(map[string]struct{}, 1000)
		for i := 0; i < 1000; i++ {
			code, err := store.GenerateUniqueCode(ctx, "MK")
			if err != nil {
				t.Fatalf("GenerateUniqueCode() error = %v", err)
			}
			if _, dup := seen[code]; dup {
				t.Fatalf("generated duplicate code %q", code)
			}
			seen[code] = struct{}{}
			if err := store.PutCode(ctx, code, 1, false); err != nil {
				t.Fatalf("PutCode(%q) error = %v", code, err)
			}
		}
	})
}

func TestSQLStore_ListCodes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.PutCode(ctx, "MK_LIST01", 5, false); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}
	if err := store.PutCode(ctx, "MK_LIST02", UnlimitedUses, true); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}
	if err := store.BindUser(ctx, "alice", "MK_LIST01", true); err != nil {
		t.Fatalf("BindUser() error = %v", err)
	}
	if err := store.IncrementConsumption(ctx, "alice"); err != nil {
		t.Fatalf("IncrementConsumption() error = %v", err)
	}
	if err := store.IncrementConsumption(ctx, "alice"); err != nil {
		t.Fatalf("IncrementConsumption() error = %v", err)
	}

	reports, err := store.ListCodes(ctx)
	if err != nil {
		t.Fatalf("ListCodes() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}

	byCode := make(map[string]CodeReport, len(reports))
	for _, r := range reports {
		byCode[r.Code] = r
	}

	r1 := byCode["MK_LIST01"]
	if r1.UserCount != 1 || r1.TotalConsumed != 2 || !r1.IsUsed {
		t.Errorf("MK_LIST01 report = %+v, want 1 user, 2 consumed, used", r1)
	}
	r2 := byCode["MK_LIST02"]
	if r2.UserCount != 0 || r2.TotalConsumed != 0 || !r2.IsAdmin {
		t.Errorf("MK_LIST02 report = %+v, want 0 users, 0 consumed, admin", r2)
	}
}

func TestSQLStore_ListUsers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.PutCode(ctx, "MK_FILT01", 5, false); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}
	if err := store.PutCode(ctx, "ADMIN_MASTER", UnlimitedUses, true); err != nil {
		t.Fatalf("PutCode() error = %v", err)
	}
	if err := store.BindUser(ctx, "alice", "MK_FILT01", true); err != nil {
		t.Fatalf("BindUser() error = %v", err)
	}
	if err := store.BindUser(ctx, "root", "ADMIN_MASTER", false); err != nil {
		t.Fatalf("BindUser() error = %v", err)
	}

	t.Run("unfiltered", func(t *testing.T) {
		users, err := store.ListUsers(ctx, "")
		if err != nil {
			t.Fatalf("ListUsers() error = %v", err)
		}
		if len(users) != 2 {
			t.Errorf("got %d users, want 2", len(users))
		}
	})

	t.Run("filtered by code", func(t *testing.T) {
		users, err := store.ListUsers(ctx, "MK_FILT01")
		if err != nil {
			t.Fatalf("ListUsers() error = %v", err)
		}
		if len(users) != 1 || users[0].Username != "alice" {
			t.Errorf("got %+v, want just alice", users)
		}
		if users[0].MaxUses != 5 {
			t.Errorf("MaxUses = %d, want 5", users[0].MaxUses)
		}
	})
}
