package escalation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	users    map[int64]store.EscalationState
	applyErr error
}

func newMemStore(ids ...int64) *memStore {
	m := &memStore{users: make(map[int64]store.EscalationState)}
	for _, id := range ids {
		m.users[id] = store.EscalationState{}
	}
	return m
}

func (m *memStore) LoadUserState(ctx context.Context, userID int64) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.User{ID: userID, EscalationState: s}, nil
}

func (m *memStore) ApplyEscalation(ctx context.Context, userID int64, state store.EscalationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.users[userID] = m.users[userID].Merge(state)
	return nil
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		th      Thresholds
		wantErr bool
	}{
		{Thresholds{3, 5}, false},
		{Thresholds{1, 1}, false},
		{Thresholds{4, 4}, false},
		{Thresholds{0, 5}, true},
		{Thresholds{5, 3}, true},
		{Thresholds{-1, -1}, true},
	}
	for _, tt := range tests {
		err := tt.th.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.th, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidThresholds) {
			t.Errorf("expected ErrInvalidThresholds, got %v", err)
		}
	}

	if _, err := NewLedger(newMemStore(), Thresholds{5, 3}, zap.NewNop()); err == nil {
		t.Error("NewLedger accepted invalid thresholds")
	}
}

func TestAdvance_ThresholdDeterminism(t *testing.T) {
	th := DefaultThresholds
	var s store.EscalationState

	want := []store.EscalationState{
		{WarningCount: 1},
		{WarningCount: 2},
		{WarningCount: 3, HasRedTag: true},
		{WarningCount: 4, HasRedTag: true},
		{WarningCount: 5, HasRedTag: true, IsBlocked: true},
		{WarningCount: 6, HasRedTag: true, IsBlocked: true},
	}
	for i, w := range want {
		s = th.Advance(s)
		if s != w {
			t.Errorf("after %d flags: %+v, want %+v", i+1, s, w)
		}
	}
}

func TestAdvance_IndependentTriggers(t *testing.T) {
	// A row whose red tag was cleared externally still blocks at the block
	// threshold without re-tagging first.
	th := Thresholds{Warning: 10, Block: 2}.Advance(store.EscalationState{WarningCount: 1})
	if !th.IsBlocked || th.HasRedTag {
		t.Errorf("unexpected state %+v", th)
	}
}

func TestAdvance_Monotone(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	th := Thresholds{Warning: 2, Block: 4}

	for i := 0; i < 500; i++ {
		before := store.EscalationState{
			WarningCount: r.Intn(10),
			HasRedTag:    r.Intn(2) == 0,
			IsBlocked:    r.Intn(2) == 0,
		}
		after := th.Advance(before)
		if after.WarningCount != before.WarningCount+1 {
			t.Fatalf("count %d -> %d", before.WarningCount, after.WarningCount)
		}
		if before.HasRedTag && !after.HasRedTag {
			t.Fatalf("red tag cleared: %+v -> %+v", before, after)
		}
		if before.IsBlocked && !after.IsBlocked {
			t.Fatalf("block cleared: %+v -> %+v", before, after)
		}
	}
}

func TestLedger_Record(t *testing.T) {
	ms := newMemStore(7)
	l, err := NewLedger(ms, DefaultThresholds, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var last Transition
	for i := 1; i <= 5; i++ {
		tr, err := l.Record(ctx, 7)
		if err != nil {
			t.Fatalf("Record() #%d error: %v", i, err)
		}
		if tr.After.WarningCount != i {
			t.Errorf("Record() #%d count = %d", i, tr.After.WarningCount)
		}
		if tr.RedTagged() != (i == 3) {
			t.Errorf("Record() #%d RedTagged = %v", i, tr.RedTagged())
		}
		if tr.Blocked() != (i == 5) {
			t.Errorf("Record() #%d Blocked = %v", i, tr.Blocked())
		}
		if i == 3 && tr.After.IsBlocked {
			t.Error("blocked at 3 warnings")
		}
		last = tr
	}

	stored, _ := ms.LoadUserState(ctx, 7)
	if stored.EscalationState != last.After {
		t.Errorf("stored %+v, want %+v", stored.EscalationState, last.After)
	}
}

func TestLedger_RecordErrors(t *testing.T) {
	ctx := context.Background()

	l, _ := NewLedger(newMemStore(), DefaultThresholds, zap.NewNop())
	if _, err := l.Record(ctx, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Record(missing) error = %v, want ErrNotFound", err)
	}

	boom := errors.New("disk full")
	ms := newMemStore(1)
	ms.applyErr = boom
	l, _ = NewLedger(ms, DefaultThresholds, zap.NewNop())
	tr, err := l.Record(ctx, 1)
	if !errors.Is(err, boom) {
		t.Errorf("Record() error = %v, want %v", err, boom)
	}
	if tr.After.WarningCount != 1 {
		t.Errorf("transition should still be computed, got %+v", tr)
	}
}

func TestLedger_ConcurrentRecordsNeverLowerState(t *testing.T) {
	ms := newMemStore(1)
	l, _ := NewLedger(ms, DefaultThresholds, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Record(ctx, 1)
		}()
	}
	wg.Wait()

	u, _ := ms.LoadUserState(ctx, 1)
	// Racing read-modify-write may lose increments but the merge keeps the
	// stored state at least as far along as any single step.
	if u.WarningCount < 1 || u.WarningCount > 20 {
		t.Errorf("warning count %d out of range", u.WarningCount)
	}
	if u.WarningCount >= 3 && !u.HasRedTag {
		t.Errorf("inconsistent state %+v", u.EscalationState)
	}
}
