package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"bilive-monitor/internal/domain"
)

// fakeStore accumulates applied deltas the way the sqlite store would.
type fakeStore struct {
	applies   int
	failures  int
	roomDanmu map[int64]int64
	userDanmu map[UserKey]int64
	boxTotals map[int64][]float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roomDanmu: make(map[int64]int64),
		userDanmu: make(map[UserKey]int64),
		boxTotals: make(map[int64][]float64),
	}
}

func (f *fakeStore) ApplyDeltas(ctx context.Context, snap *Snapshot) error {
	f.applies++
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	for room, n := range snap.RoomDanmu {
		f.roomDanmu[room] += n
	}
	for k, n := range snap.UserDanmu {
		f.userDanmu[k] += n
	}
	for room, totals := range snap.BoxProfitTotals {
		f.boxTotals[room] = append(f.boxTotals[room], totals...)
	}
	return nil
}

func (f *fakeStore) RoomStats(context.Context, int64) (domain.RoomStats, error) {
	return domain.RoomStats{}, nil
}
func (f *fakeStore) Ranking(context.Context, int64, RankingMetric, int) ([]domain.RankingEntry, error) {
	return nil, nil
}
func (f *fakeStore) GuardList(context.Context, int64, domain.GuardTier) ([]domain.RankingEntry, error) {
	return nil, nil
}
func (f *fakeStore) DistinctUserCount(context.Context, int64, RankingMetric) (int64, error) {
	return 0, nil
}
func (f *fakeStore) DanmuTexts(context.Context, int64) ([]string, error) { return nil, nil }
func (f *fakeStore) TimeSeries(context.Context, int64, SeriesKind) ([]domain.TimePoint, error) {
	return nil, nil
}
func (f *fakeStore) BoxProfitTotals(context.Context, int64) ([]float64, error) { return nil, nil }
func (f *fakeStore) ResetRoomStats(context.Context, int64) error               { return nil }

func newTestBuffer(store StatsRepository) *StatsBuffer {
	log := zerolog.Nop()
	b := NewStatsBuffer(store, &log)
	b.now = func() int64 { return 1700000000 }
	return b
}

func TestFlushCommitsAllPendingDanmu(t *testing.T) {
	store := newFakeStore()
	b := newTestBuffer(store)

	const room = int64(42)
	for i := 0; i < 7; i++ {
		b.IncrDanmu(room, 100, "hello")
	}
	for i := 0; i < 3; i++ {
		b.IncrDanmu(room, 200, "hi")
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.roomDanmu[room] != 10 {
		t.Fatalf("room count = %d, want 10", store.roomDanmu[room])
	}
	sum := store.userDanmu[UserKey{room, 100}] + store.userDanmu[UserKey{room, 200}]
	if sum != 10 {
		t.Fatalf("per-user sum = %d, want 10", sum)
	}
}

func TestFlushThenClearPreventsDoubleCounting(t *testing.T) {
	store := newFakeStore()
	b := newTestBuffer(store)

	b.IncrDanmu(1, 9, "x")
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// second flush has nothing pending and must not touch the store
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if store.applies != 1 {
		t.Fatalf("ApplyDeltas called %d times, want 1", store.applies)
	}
	if store.roomDanmu[1] != 1 {
		t.Fatalf("count = %d, want 1", store.roomDanmu[1])
	}
}

func TestAnonymousDanmuSkipsUserCounter(t *testing.T) {
	store := newFakeStore()
	b := newTestBuffer(store)
	b.IncrDanmu(1, 0, "anon")
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.roomDanmu[1] != 1 || len(store.userDanmu) != 0 {
		t.Fatalf("room=%d users=%d", store.roomDanmu[1], len(store.userDanmu))
	}
}

func TestBoxRunningTotalsSurviveFlush(t *testing.T) {
	store := newFakeStore()
	b := newTestBuffer(store)
	const room = int64(7)

	b.IncrBox(room, 1, 1, 0.3)
	b.IncrBox(room, 1, 1, -0.5)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.IncrBox(room, 2, 1, 1.0)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []float64{0.3, -0.2, 0.8}
	got := store.boxTotals[room]
	if len(got) != len(want) {
		t.Fatalf("totals = %v, want %v", got, want)
	}
	for i := range want {
		if diff := got[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("totals[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResetRoomClearsRunningTotal(t *testing.T) {
	store := newFakeStore()
	b := newTestBuffer(store)
	b.IncrBox(3, 1, 1, 2.0)
	b.ResetRoom(3)
	b.IncrBox(3, 1, 1, 0.5)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := store.boxTotals[3]
	if len(got) != 1 || got[0] != 0.5 {
		t.Fatalf("totals = %v, want [0.5]", got)
	}
}

func TestFlushRetriesOnceThenSurfaces(t *testing.T) {
	store := newFakeStore()
	b := newTestBuffer(store)

	store.failures = 1
	b.IncrDanmu(1, 5, "x")
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("single failure should be retried: %v", err)
	}
	if store.roomDanmu[1] != 1 {
		t.Fatalf("count = %d, want 1", store.roomDanmu[1])
	}

	store.failures = 2
	b.IncrDanmu(1, 5, "y")
	if err := b.Flush(context.Background()); err == nil {
		t.Fatal("persistent failure must surface")
	}
	// new increments are unaffected by the failed snapshot
	b.IncrDanmu(1, 5, "z")
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.roomDanmu[1] != 2 {
		t.Fatalf("count = %d, want 2", store.roomDanmu[1])
	}
}
