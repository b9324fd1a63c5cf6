package blackboard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/blackboard/bbtest"
	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/models"
	"github.com/friendsincode/equiplet_grid/internal/step"
)

func TestSQLStoreInsertGetAndDuplicate(t *testing.T) {
	ctx := context.Background()
	store := bbtest.New(t)

	id, err := store.Insert(ctx, "product_steps", models.ProductStep{
		ID:         "s1",
		ProductID:  "p1",
		Capability: "pick",
		Status:     step.Evaluating,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != "s1" {
		t.Fatalf("id = %q", id)
	}

	doc, err := store.Get(ctx, "product_steps", "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got models.ProductStep
	if err := blackboard.Decode(doc, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Capability != "pick" || got.Status != step.Evaluating {
		t.Fatalf("unexpected document %+v", got)
	}

	if _, err := store.Insert(ctx, "product_steps", models.ProductStep{ID: "s1"}); !errors.Is(err, blackboard.ErrDuplicateKey) {
		t.Fatalf("duplicate insert: got %v", err)
	}
	if _, err := store.Get(ctx, "product_steps", "missing"); !errors.Is(err, blackboard.ErrNotFound) {
		t.Fatalf("missing get: got %v", err)
	}
}

func TestSQLStoreGeneratesIDs(t *testing.T) {
	store := bbtest.New(t)
	id, err := store.Insert(context.Background(), "products", map[string]any{"name": "widget"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
}

func TestSQLStoreRejectsInvalidNamespace(t *testing.T) {
	store := bbtest.New(t)
	for _, name := range []string{"", "Products", "drop table;", "1steps"} {
		if _, err := store.Insert(context.Background(), name, map[string]any{}); !errors.Is(err, blackboard.ErrInvalidNamespace) {
			t.Errorf("collection %q: got %v", name, err)
		}
	}
}

func TestSQLStoreFindFilterSortLimit(t *testing.T) {
	ctx := context.Background()
	store := bbtest.New(t)

	seed := []models.ProductStep{
		{ID: "a", EquipletID: "eq1", Status: step.Planned, Schedule: ptr(ledger.Bounded(30, 5))},
		{ID: "b", EquipletID: "eq1", Status: step.Planned, Schedule: ptr(ledger.Bounded(10, 5))},
		{ID: "c", EquipletID: "eq1", Status: step.Done, Schedule: ptr(ledger.Bounded(0, 5))},
		{ID: "d", EquipletID: "eq2", Status: step.Planned, Schedule: ptr(ledger.Bounded(5, 5))},
	}
	for _, s := range seed {
		if _, err := store.Insert(ctx, "product_steps", s); err != nil {
			t.Fatalf("insert %s: %v", s.ID, err)
		}
	}

	docs, err := store.Find(ctx, "product_steps", blackboard.Query{
		Filter: blackboard.Filter{"equiplet_id": "eq1", "status": step.Planned},
		Sort:   []blackboard.SortField{{Field: "schedule.start"}},
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 2 || docs[0].ID() != "b" || docs[1].ID() != "a" {
		t.Fatalf("unexpected order: %v", ids(docs))
	}

	docs, err = store.Find(ctx, "product_steps", blackboard.Query{
		Filter: blackboard.Filter{"schedule.start": int64(30)},
	})
	if err != nil || len(docs) != 1 || docs[0].ID() != "a" {
		t.Fatalf("nested filter: %v %v", ids(docs), err)
	}

	docs, err = store.Find(ctx, "product_steps", blackboard.Query{
		Sort:  []blackboard.SortField{{Field: "schedule.start", Desc: true}},
		Limit: 1,
	})
	if err != nil || len(docs) != 1 || docs[0].ID() != "a" {
		t.Fatalf("limit with desc sort: %v %v", ids(docs), err)
	}
}

func TestSQLStoreArrayContainsFilter(t *testing.T) {
	ctx := context.Background()
	store := bbtest.New(t)
	for _, e := range []models.DirectoryEntry{
		{ID: "eq1", EquipletID: "eq1", Capabilities: []string{"pick", "place"}},
		{ID: "eq2", EquipletID: "eq2", Capabilities: []string{"glue"}},
	} {
		if _, err := store.Insert(ctx, "directory", e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	docs, err := store.Find(ctx, "directory", blackboard.Query{Filter: blackboard.Filter{"capabilities": "place"}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 1 || docs[0].ID() != "eq1" {
		t.Fatalf("unexpected result %v", ids(docs))
	}
}

func TestSQLStoreUpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	store := bbtest.New(t)
	if _, err := store.Insert(ctx, "equiplet_states", models.EquipletStateEntry{ID: "eq1", State: "safe"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := store.Update(ctx, "equiplet_states", blackboard.ByID("eq1"), map[string]any{"desired_state": "standby"})
	if err != nil || n != 1 {
		t.Fatalf("update: n=%d err=%v", n, err)
	}
	doc, _ := store.Get(ctx, "equiplet_states", "eq1")
	if doc["desired_state"] != "standby" || doc["state"] != "safe" {
		t.Fatalf("patch not merged: %v", doc)
	}

	if _, err := store.Update(ctx, "equiplet_states", blackboard.ByID("nope"), map[string]any{"state": "x"}); !errors.Is(err, blackboard.ErrNotFound) {
		t.Fatalf("update missing: got %v", err)
	}

	n, err = store.Remove(ctx, "equiplet_states", blackboard.ByID("eq1"))
	if err != nil || n != 1 {
		t.Fatalf("remove: n=%d err=%v", n, err)
	}
	if _, err := store.Get(ctx, "equiplet_states", "eq1"); !errors.Is(err, blackboard.ErrNotFound) {
		t.Fatalf("get after remove: %v", err)
	}
}

func TestSQLStoreSubscribeFiltersFieldAndOperation(t *testing.T) {
	ctx := context.Background()
	store := bbtest.New(t)

	sub, err := store.Subscribe(ctx, "equiplet_states", "state", blackboard.OpSet)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := store.Insert(ctx, "equiplet_states", models.EquipletStateEntry{ID: "eq1", State: "safe"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Update(ctx, "equiplet_states", blackboard.ByID("eq1"), map[string]any{"desired_state": "standby"}); err != nil {
		t.Fatalf("update desired: %v", err)
	}
	if _, err := store.Update(ctx, "equiplet_states", blackboard.ByID("eq1"), map[string]any{"state": "standby"}); err != nil {
		t.Fatalf("update state: %v", err)
	}

	select {
	case ev := <-sub.C:
		if ev.DocumentID != "eq1" || ev.Operation != blackboard.OpSet || !ev.Touches("state") {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change event delivered")
	}

	select {
	case ev, ok := <-sub.C:
		if ok {
			t.Fatalf("unexpected extra event %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	store := bbtest.New(t)
	sub, err := store.Subscribe(context.Background(), "products", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()
	sub.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}
}

func ptr[T any](v T) *T { return &v }

func ids(docs []blackboard.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}
