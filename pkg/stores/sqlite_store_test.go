package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leadflow/leadflow/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T, clock *testClock) *SQLiteStore {
	t.Helper()

	cfg := Config{Path: ":memory:"}
	if clock != nil {
		cfg.Clock = clock.Now
	}

	store, err := NewSQLiteStore(cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSlots(n int) []engine.AppointmentSlot {
	base := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	slots := make([]engine.AppointmentSlot, 0, n)
	for i := 0; i < n; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		slots = append(slots, engine.AppointmentSlot{
			ID:        fmt.Sprintf("slot-%02d", i),
			Date:      start.Format("2006-01-02"),
			StartTime: start.Format("15:04"),
			EndTime:   start.Add(time.Hour).Format("15:04"),
			Start:     start,
			End:       start.Add(time.Hour),
			Available: true,
		})
	}
	return slots
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t, nil)
	ctx := context.Background()

	tables := []string{"leads", "workflow_executions", "events", "slots"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration run failed: %v", err)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadflow.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to initialize store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return store
	}

	first := open()
	lead, err := first.Create(ctx, validParams("+15550102030"))
	if err != nil {
		t.Fatalf("failed to create lead: %v", err)
	}
	_ = first.Close()

	second := open()
	defer second.Close()

	got, err := second.GetByPhone(ctx, "+15550102030")
	if err != nil {
		t.Fatalf("lead not found after reopen: %v", err)
	}
	if got.ID != lead.ID || len(got.StateHistory) != 1 {
		t.Errorf("unexpected lead after reopen: %+v", got)
	}
}

func TestSQLiteStore_Slots(t *testing.T) {
	store := setupTestStore(t, nil)
	ctx := context.Background()

	n, err := store.SeedSlots(ctx, testSlots(4))
	if err != nil {
		t.Fatalf("failed to seed slots: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 slots inserted, got %d", n)
	}
	if n, _ := store.SeedSlots(ctx, testSlots(4)); n != 0 {
		t.Errorf("reseeding should insert nothing, got %d", n)
	}

	from := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	available, err := store.ListAvailable(ctx, from, to)
	if err != nil {
		t.Fatalf("failed to list slots: %v", err)
	}
	if len(available) != 4 || available[0].ID != "slot-00" {
		t.Fatalf("expected 4 slots sorted ascending, got %d", len(available))
	}

	booked, err := store.Book(ctx, "slot-01", "lead-1")
	if err != nil {
		t.Fatalf("failed to book slot: %v", err)
	}
	if booked.Available || booked.LeadID != "lead-1" {
		t.Errorf("unexpected booked slot: %+v", booked)
	}

	_, err = store.Book(ctx, "slot-01", "lead-2")
	if !errors.Is(err, engine.ErrSlotUnavailable) {
		t.Errorf("expected slot unavailable, got %v", err)
	}
	if _, err := store.Book(ctx, "missing", "lead-2"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	available, _ = store.ListAvailable(ctx, from, to)
	if len(available) != 3 {
		t.Errorf("expected 3 available slots, got %d", len(available))
	}

	ok, err := store.Cancel(ctx, "slot-01")
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed: %v", err)
	}
	if ok, _ := store.Cancel(ctx, "slot-01"); ok {
		t.Error("cancelling an available slot should report false")
	}

	slot, _ := store.Get(ctx, "slot-01")
	if !slot.Available || slot.LeadID != "" {
		t.Errorf("expected released slot, got %+v", slot)
	}
}

func TestSQLiteStore_ConcurrentBookingIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "booking.db")
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if _, err := store.SeedSlots(ctx, testSlots(1)); err != nil {
		t.Fatalf("failed to seed slots: %v", err)
	}

	const contenders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(leadID string) {
			defer wg.Done()
			_, err := store.Book(ctx, "slot-00", leadID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, leadID)
			case errors.Is(err, engine.ErrSlotUnavailable):
				losers++
			default:
				t.Errorf("unexpected booking error: %v", err)
			}
		}(fmt.Sprintf("lead-%d", i))
	}
	wg.Wait()

	if len(winners) != 1 || losers != contenders-1 {
		t.Fatalf("expected exactly one winner, got %d winners and %d losers", len(winners), losers)
	}
	slot, _ := store.Get(ctx, "slot-00")
	if slot.LeadID != winners[0] {
		t.Errorf("slot bound to %s, winner was %s", slot.LeadID, winners[0])
	}
}

func TestSQLiteStore_StaleVersionConflicts(t *testing.T) {
	store := setupTestStore(t, nil)
	ctx := context.Background()

	lead, _ := store.Create(ctx, validParams("+15550102030"))

	// Simulate a concurrent writer bumping the version between read and write.
	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	next := lead.Clone()
	next.Version = lead.Version + 1
	if err := updateLead(ctx, tx, next, lead.Version); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	err = updateLead(ctx, tx, next, lead.Version)
	_ = tx.Rollback()

	if !engine.IsConflict(err) {
		t.Errorf("expected conflict for stale version, got %v", err)
	}
}
