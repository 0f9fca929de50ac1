package metastore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wagateway/engine/internal/engineerr"
)

func testDSN(t *testing.T) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), "meta.db") + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(testDSN(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenMigrates(t *testing.T) {
	// Opening twice on the same file must be idempotent: the second open
	// sees every column already present.
	dsn := testDSN(t)
	first, err := Open(dsn)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	first.Close()

	second, err := Open(dsn)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	second.Close()
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec := InstanceRecord{
		ID:               "inst-1",
		Name:             "first",
		WebhookURL:       "https://hooks.example/x",
		APIToken:         "tok",
		Phone:            "5511999999999",
		Enabled:          true,
		ConnectionStatus: "DISCONNECTED",
		CreatedAt:        time.Now(),
	}

	t.Run("upsert then get", func(t *testing.T) {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		got, err := store.Get(ctx, "inst-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Name != "first" || got.Phone != "5511999999999" || !got.Enabled {
			t.Errorf("Get = %+v, want the upserted record", got)
		}
	})

	t.Run("get of missing id is ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		if !errors.Is(err, engineerr.ErrNotFound) {
			t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("set enabled flips intent only", func(t *testing.T) {
		if err := store.SetEnabled(ctx, "inst-1", false); err != nil {
			t.Fatalf("SetEnabled: %v", err)
		}
		got, _ := store.Get(ctx, "inst-1")
		if got.Enabled {
			t.Error("enabled still true after SetEnabled(false)")
		}
		if got.Name != "first" {
			t.Error("SetEnabled clobbered other columns")
		}
		_ = store.SetEnabled(ctx, "inst-1", true)
	})

	t.Run("set status records reason and attempts together", func(t *testing.T) {
		if err := store.SetStatus(ctx, "inst-1", "DISCONNECTED", "NETWORK_ERROR", 3); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		got, _ := store.Get(ctx, "inst-1")
		if got.ConnectionStatus != "DISCONNECTED" || got.LastDisconnectReason != "NETWORK_ERROR" || got.ReconnectAttempts != 3 {
			t.Errorf("status fields = (%q, %q, %d), want (DISCONNECTED, NETWORK_ERROR, 3)",
				got.ConnectionStatus, got.LastDisconnectReason, got.ReconnectAttempts)
		}
	})

	t.Run("touch connected stamps the timestamp", func(t *testing.T) {
		if err := store.TouchConnected(ctx, "inst-1"); err != nil {
			t.Fatalf("TouchConnected: %v", err)
		}
		got, _ := store.Get(ctx, "inst-1")
		if got.LastConnectionAt == nil {
			t.Error("last_connection_at still null after TouchConnected")
		}
	})

	t.Run("list enabled filters on intent", func(t *testing.T) {
		_ = store.Upsert(ctx, InstanceRecord{ID: "inst-2", Enabled: false, CreatedAt: time.Now()})
		rows, err := store.ListEnabled(ctx)
		if err != nil {
			t.Fatalf("ListEnabled: %v", err)
		}
		for _, r := range rows {
			if !r.Enabled {
				t.Errorf("ListEnabled returned disabled row %s", r.ID)
			}
		}
		all, err := store.ListAll(ctx)
		if err != nil {
			t.Fatalf("ListAll: %v", err)
		}
		if len(all) != len(rows)+1 {
			t.Errorf("ListAll = %d rows, ListEnabled = %d, want exactly one disabled row", len(all), len(rows))
		}
	})

	t.Run("delete removes the row", func(t *testing.T) {
		if err := store.Delete(ctx, "inst-2"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.Get(ctx, "inst-2"); !errors.Is(err, engineerr.ErrNotFound) {
			t.Error("row still present after Delete")
		}
	})
}
