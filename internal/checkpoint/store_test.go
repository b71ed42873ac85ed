package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nugget/sillage/internal/conversation"
	"github.com/nugget/sillage/internal/database"
)

func testStore(t *testing.T, keep int) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(context.Background(), database.DriverPureGo, filepath.Join(t.TempDir(), "cp.db"), logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, keep, logger)
}

func TestSaveAndLoadLatest(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	state := conversation.NewState("thread-1", "user-1")
	state.Append(conversation.HumanEntry{Content: "hello"})
	if err := s.Save(ctx, state, "retrieving"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	state.Append(conversation.AssistantEntry{
		ToolCalls: []conversation.ToolCallRequest{{ID: "call_1", Name: "recommend_fragrances"}},
	})
	state.SetPending(state.Messages[1].(conversation.AssistantEntry).ToolCalls)
	state.AddAssets(conversation.Asset{ID: "f1", Name: "Ambre", SourceCallID: "call_1"})
	if err := s.Save(ctx, state, "executing_tools"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Messages) != 2 || got.UserID != "user-1" {
		t.Errorf("loaded state = %+v", got)
	}
	if len(got.PendingToolCalls) != 1 || got.PendingToolCalls[0].ID != "call_1" {
		t.Errorf("pending = %+v", got.PendingToolCalls)
	}
	if len(got.Assets) != 1 || got.Assets[0].SourceCallID != "call_1" {
		t.Errorf("assets = %+v", got.Assets)
	}

	list, err := s.List(ctx, "thread-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Step != 2 || list[0].Phase != "executing_tools" || list[0].State != nil {
		t.Errorf("List = %+v", list)
	}

	cp, err := s.Get(ctx, list[1].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp.Step != 1 || len(cp.State.Messages) != 1 {
		t.Errorf("Get = step %d with %d messages", cp.Step, len(cp.State.Messages))
	}
}

func TestLoadMissing(t *testing.T) {
	s := testStore(t, 0)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) = %v, want ErrNotFound", err)
	}
}

func TestSavePrunesOldSteps(t *testing.T) {
	s := testStore(t, 3)
	ctx := context.Background()
	state := conversation.NewState("t", "")
	for range 7 {
		state.Append(conversation.HumanEntry{Content: "x"})
		if err := s.Save(ctx, state, "done"); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.List(ctx, "t", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Step != 7 || list[2].Step != 5 {
		t.Errorf("after pruning: %d checkpoints, newest step %d", len(list), list[0].Step)
	}
}

func TestThreadsAreIndependent(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := conversation.NewState(id, "")
			for range 5 {
				st.Append(conversation.HumanEntry{Content: id})
				if err := s.Save(ctx, st, "done"); err != nil {
					t.Errorf("Save(%s): %v", id, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c"} {
		st, err := s.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load(%s): %v", id, err)
		}
		if len(st.Messages) != 5 {
			t.Errorf("thread %s has %d messages, want 5", id, len(st.Messages))
		}
	}
}

func TestAcquire(t *testing.T) {
	s := testStore(t, 0)

	release, err := s.Acquire("t1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := s.Acquire("t1"); !errors.Is(err, ErrThreadBusy) {
		t.Errorf("second Acquire = %v, want ErrThreadBusy", err)
	}
	other, err := s.Acquire("t2")
	if err != nil {
		t.Errorf("Acquire(other thread) = %v", err)
	}
	other()

	release()
	release() // idempotent
	again, err := s.Acquire("t1")
	if err != nil {
		t.Errorf("Acquire after release = %v", err)
	}
	again()
}
