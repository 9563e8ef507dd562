package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Create demonstrates lead intake with verified consent.
func ExampleSQLiteStore_Create() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	lead, err := store.Create(ctx, engine.CreateLeadParams{
		FirstName:       "Dana",
		Phone:           "+1 (555) 010-2030",
		ConsentVerified: true,
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(lead.Phone)
	fmt.Println(lead.State)
	fmt.Println(len(lead.StateHistory))
	// Output:
	// +15550102030
	// consent_verified
	// 1
}

// ExampleMemoryStore_Update demonstrates the read-modify-write update.
func ExampleMemoryStore_Update() {
	store := stores.NewMemoryStore()
	ctx := context.Background()

	lead, _ := store.Create(ctx, engine.CreateLeadParams{FirstName: "Dana", Phone: "5550102030"})

	updated, err := store.Update(ctx, lead.ID, func(l *engine.Lead) error {
		engine.NewStateMachine().Transition(l, engine.TriggerRequestConsent, nil)
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(updated.State, updated.Version)
	// Output: consent_pending 2
}
