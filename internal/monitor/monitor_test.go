package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"bilive-monitor/internal/adapters/api/bili"
	"bilive-monitor/internal/domain"
	"bilive-monitor/internal/infrastructure/danmaku"
	"bilive-monitor/internal/notify"
	"bilive-monitor/internal/usecase"
)

// memStore is an in-memory Store good enough for state-machine tests.
type memStore struct {
	mu sync.Mutex

	status    map[int64]int
	startTime map[int64]int64
	endTime   map[int64]int64

	roomStats map[int64]*domain.RoomStats
	boxTotals map[int64][]float64

	sessionsCreated int
	sessionsEnded   int
	resets          int
}

func newMemStore() *memStore {
	return &memStore{
		status:    make(map[int64]int),
		startTime: make(map[int64]int64),
		endTime:   make(map[int64]int64),
		roomStats: make(map[int64]*domain.RoomStats),
		boxTotals: make(map[int64][]float64),
	}
}

func (s *memStore) stats(roomID int64) *domain.RoomStats {
	st, ok := s.roomStats[roomID]
	if !ok {
		st = &domain.RoomStats{}
		s.roomStats[roomID] = st
	}
	return st
}

func (s *memStore) ApplyDeltas(ctx context.Context, snap *usecase.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for room, n := range snap.RoomDanmu {
		s.stats(room).DanmuCount += n
	}
	for room, v := range snap.RoomGift {
		s.stats(room).GiftProfit += v
	}
	for room, v := range snap.RoomSC {
		s.stats(room).SCProfit += v
	}
	for room, v := range snap.RoomBoxCount {
		s.stats(room).BoxCount += v
	}
	for room, v := range snap.RoomBoxProfit {
		s.stats(room).BoxProfit += v
	}
	for room, byTier := range snap.RoomGuard {
		st := s.stats(room)
		st.CaptainCount += byTier[domain.TierCaptain]
		st.CommanderCount += byTier[domain.TierCommander]
		st.GovernorCount += byTier[domain.TierGovernor]
	}
	for room, totals := range snap.BoxProfitTotals {
		s.boxTotals[room] = append(s.boxTotals[room], totals...)
	}
	return nil
}

func (s *memStore) RoomStats(ctx context.Context, roomID int64) (domain.RoomStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.stats(roomID), nil
}

func (s *memStore) Ranking(context.Context, int64, usecase.RankingMetric, int) ([]domain.RankingEntry, error) {
	return nil, nil
}
func (s *memStore) GuardList(context.Context, int64, domain.GuardTier) ([]domain.RankingEntry, error) {
	return nil, nil
}
func (s *memStore) DistinctUserCount(context.Context, int64, usecase.RankingMetric) (int64, error) {
	return 0, nil
}
func (s *memStore) DanmuTexts(context.Context, int64) ([]string, error) { return nil, nil }
func (s *memStore) TimeSeries(context.Context, int64, usecase.SeriesKind) ([]domain.TimePoint, error) {
	return nil, nil
}
func (s *memStore) BoxProfitTotals(ctx context.Context, roomID int64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.boxTotals[roomID]...), nil
}

func (s *memStore) ResetRoomStats(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	delete(s.roomStats, roomID)
	delete(s.boxTotals, roomID)
	return nil
}

func (s *memStore) LiveStatus(ctx context.Context, roomID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[roomID], nil
}

func (s *memStore) SetLiveStatus(ctx context.Context, roomID int64, status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[roomID] = status
	return nil
}

func (s *memStore) LiveStartTime(ctx context.Context, roomID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime[roomID], nil
}

func (s *memStore) SetLiveStartTime(ctx context.Context, roomID int64, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startTime[roomID] = ts
	return nil
}

func (s *memStore) LiveEndTime(ctx context.Context, roomID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime[roomID], nil
}

func (s *memStore) SetLiveEndTime(ctx context.Context, roomID int64, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endTime[roomID] = ts
	return nil
}

func (s *memStore) CreateSession(ctx context.Context, roomID, startTime int64, before domain.AudienceSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsCreated++
	return int64(s.sessionsCreated), nil
}

func (s *memStore) EndSession(ctx context.Context, roomID, endTime int64, after domain.AudienceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsEnded++
	return nil
}

type fakeAPI struct {
	liveStatus int
	liveTime   int64
}

func (f *fakeAPI) RoomPlayInfo(ctx context.Context, roomID int64) (bili.RoomPlayInfo, error) {
	return bili.RoomPlayInfo{RoomID: roomID, LiveStatus: f.liveStatus, LiveTime: f.liveTime}, nil
}
func (f *fakeAPI) RoomInfo(context.Context, int64) (bili.RoomInfo, error) {
	return bili.RoomInfo{Attention: 1000}, nil
}
func (f *fakeAPI) RoomInfoV2(context.Context, int64) (bili.RoomInfoV2, error) {
	return bili.RoomInfoV2{Attention: 1000, Title: "title"}, nil
}
func (f *fakeAPI) MasterInfo(ctx context.Context, uid int64) (bili.MasterInfo, error) {
	return bili.MasterInfo{RoomID: 9000 + uid, Uname: fmt.Sprintf("streamer-%d", uid)}, nil
}
func (f *fakeAPI) FansMedalCount(context.Context, int64) (int64, error) { return 50, nil }
func (f *fakeAPI) GuardCount(context.Context, int64, int64) (int64, error) {
	return 5, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	started []notify.LiveStart
	ended   []notify.LiveEnd
}

func (f *fakeNotifier) LiveStarted(ctx context.Context, ev notify.LiveStart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, ev)
	return nil
}

func (f *fakeNotifier) LiveEnded(ctx context.Context, ev notify.LiveEnd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, ev)
	return nil
}

func (f *fakeNotifier) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type fixture struct {
	m     *RoomMonitor
	store *memStore
	api   *fakeAPI
	note  *fakeNotifier
	buf   *usecase.StatsBuffer
	clock *int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()
	store := newMemStore()
	buf := usecase.NewStatsBuffer(store, &log)
	api := &fakeAPI{}
	note := &fakeNotifier{}
	d := danmaku.NewDispatcher(&log)

	m := New(Config{UID: 7, RoomID: 100, Uname: "tester"}, api, store, buf, note, d, &log)
	clock := int64(1700000000)
	m.now = func() int64 { return clock }
	return &fixture{m: m, store: store, api: api, note: note, buf: buf, clock: &clock}
}

func giftEvent(t *testing.T, raw string) domain.Event {
	t.Helper()
	return domain.Event{Kind: domain.KindGift, Cmd: "SEND_GIFT", Raw: json.RawMessage(raw)}
}

func TestLiveOnIsIdempotent(t *testing.T) {
	f := newFixture(t)

	f.m.onLive(1700000000)
	f.m.onLive(1700000000)
	f.m.onLive(1700000000)

	if f.store.sessionsCreated != 1 {
		t.Fatalf("sessions created = %d, want 1", f.store.sessionsCreated)
	}
	if f.note.startCount() != 1 {
		t.Fatalf("notifications = %d, want 1", f.note.startCount())
	}
	if st := f.store.status[100]; st != domain.StatusLive {
		t.Fatalf("status = %d, want live", st)
	}
}

func TestLiveOnSkipsWhenStoreSaysLive(t *testing.T) {
	f := newFixture(t)
	f.store.status[100] = domain.StatusLive

	f.m.onLive(0)

	if f.store.sessionsCreated != 0 || f.note.startCount() != 0 {
		t.Fatalf("created=%d notified=%d, want 0/0", f.store.sessionsCreated, f.note.startCount())
	}
	// the fast flag was synced so later duplicates short-circuit
	if !f.m.isLive.Load() {
		t.Fatal("memory flag not synced from store")
	}
}

func TestReconnectEchoRestoresStatusOnly(t *testing.T) {
	f := newFixture(t)

	f.m.onLive(*f.clock) // real live-start
	*f.clock += 100
	f.m.onPreparing()
	if f.store.sessionsEnded != 1 {
		t.Fatalf("sessions ended = %d, want 1", f.store.sessionsEnded)
	}

	// LIVE echo 30s after the end, 130s after the original push:
	// push window expired, treated as a new broadcast
	*f.clock += 30
	f.m.onLive(*f.clock)
	if f.store.sessionsCreated != 2 {
		t.Fatalf("sessions created = %d, want 2 (push window expired)", f.store.sessionsCreated)
	}

	// now end and re-LIVE within both windows: suppressed
	*f.clock += 10
	f.m.onPreparing()
	*f.clock += 10
	f.m.onLive(*f.clock)

	if f.store.sessionsCreated != 2 {
		t.Fatalf("sessions created = %d, want still 2", f.store.sessionsCreated)
	}
	if f.note.startCount() != 2 {
		t.Fatalf("notifications = %d, want 2", f.note.startCount())
	}
	if st := f.store.status[100]; st != domain.StatusLive {
		t.Fatalf("status = %d, want live restored", st)
	}
}

func TestPreparingIsIdempotent(t *testing.T) {
	f := newFixture(t)

	f.m.onPreparing() // not live: nothing to do
	if f.store.sessionsEnded != 0 {
		t.Fatal("ended a session that never started")
	}

	f.m.onLive(*f.clock)
	*f.clock += 60
	f.m.onPreparing()
	f.m.onPreparing()

	if f.store.sessionsEnded != 1 {
		t.Fatalf("sessions ended = %d, want 1", f.store.sessionsEnded)
	}
	if st := f.store.status[100]; st != domain.StatusOffline {
		t.Fatalf("status = %d, want offline", st)
	}
}

func TestConcurrentPreparingEndsSessionOnce(t *testing.T) {
	f := newFixture(t)

	f.m.onLive(*f.clock)
	*f.clock += 60

	// handlers are dispatched one goroutine each, so duplicate PREPARING
	// events can race into the live-off path
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.m.onPreparing()
		}()
	}
	wg.Wait()

	if f.store.sessionsEnded != 1 {
		t.Fatalf("sessions ended = %d, want 1", f.store.sessionsEnded)
	}
	f.note.mu.Lock()
	ended := len(f.note.ended)
	f.note.mu.Unlock()
	if ended != 1 {
		t.Fatalf("end notifications = %d, want 1", ended)
	}
}

func TestLiveStartResetsPreviousSessionCounters(t *testing.T) {
	f := newFixture(t)

	f.buf.IncrDanmu(100, 1, "stale")
	f.m.onLive(*f.clock)
	if err := f.buf.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats, _ := f.store.RoomStats(context.Background(), 100)
	if stats.DanmuCount != 0 {
		t.Fatalf("stale danmu survived reset: %d", stats.DanmuCount)
	}
	if f.store.resets != 1 {
		t.Fatalf("resets = %d, want 1", f.store.resets)
	}
}

func TestGiftRevenueArithmetic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 2 x 1500-battery gift: (1500/1000)*2 = 3.0
	f.m.onGift(giftEvent(t, `{"cmd":"SEND_GIFT","data":{"uid":1,"num":2,"discount_price":1500,"total_coin":3000,"giftId":1,"giftName":"gift","blind_gift":null}}`))
	// lucky key: 1% of (30000/1000)*1 = 0.3
	f.m.onGift(giftEvent(t, `{"cmd":"SEND_GIFT","data":{"uid":1,"num":1,"discount_price":30000,"total_coin":30000,"giftId":31709,"giftName":"lucky key","blind_gift":null}}`))
	// free gift: no coin value, ignored
	f.m.onGift(giftEvent(t, `{"cmd":"SEND_GIFT","data":{"uid":1,"num":10,"discount_price":0,"total_coin":0,"giftId":2,"giftName":"like","blind_gift":null}}`))
	if err := f.buf.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	stats, _ := f.store.RoomStats(ctx, 100)
	if diff := stats.GiftProfit - 3.3; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("gift profit = %v, want 3.3", stats.GiftProfit)
	}
}

func TestBlindBoxProfitAndRunningTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// paid 1000 coin, revealed one 1300-coin gift: profit 0.3
	f.m.onGift(giftEvent(t, `{"cmd":"SEND_GIFT","data":{"uid":1,"num":1,"discount_price":1300,"total_coin":1000,"giftId":3,"giftName":"box gift","blind_gift":{"gift_id":9}}}`))
	// paid 2000 coin, revealed one 1500-coin gift: profit -0.5
	f.m.onGift(giftEvent(t, `{"cmd":"SEND_GIFT","data":{"uid":1,"num":1,"discount_price":1500,"total_coin":2000,"giftId":3,"giftName":"box gift","blind_gift":{"gift_id":9}}}`))
	if err := f.buf.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	stats, _ := f.store.RoomStats(ctx, 100)
	if stats.BoxCount != 2 {
		t.Fatalf("box count = %d, want 2", stats.BoxCount)
	}
	if diff := stats.BoxProfit - (-0.2); diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("box profit = %v, want -0.2", stats.BoxProfit)
	}
	totals, _ := f.store.BoxProfitTotals(ctx, 100)
	want := []float64{0.3, -0.2}
	if len(totals) != 2 || totals[0] != want[0] || diffAbs(totals[1], want[1]) > 1e-9 {
		t.Fatalf("running totals = %v, want %v", totals, want)
	}
}

func diffAbs(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestGuardBuyMapsTiersAndDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	guard := func(name string, num int) domain.Event {
		raw := fmt.Sprintf(`{"cmd":"GUARD_BUY","data":{"uid":5,"gift_name":%q,"num":%d}}`, name, num)
		return domain.Event{Kind: domain.KindGuardBuy, Cmd: "GUARD_BUY", Raw: json.RawMessage(raw)}
	}
	f.m.onGuardBuy(guard("舰长", 1))
	f.m.onGuardBuy(guard("提督", 1))
	f.m.onGuardBuy(guard("总督", 2))
	f.m.onGuardBuy(guard("新舰种", 1)) // unknown name counts as the lowest tier
	if err := f.buf.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	stats, _ := f.store.RoomStats(ctx, 100)
	if stats.CaptainCount != 2 || stats.CommanderCount != 1 || stats.GovernorCount != 2 {
		t.Fatalf("guard counts = %+v", stats)
	}
}

func TestConnectedInitializesStatusThenChecksChangesOnReconnect(t *testing.T) {
	f := newFixture(t)
	f.api.liveStatus = domain.StatusLive
	f.api.liveTime = 1699990000

	f.m.onConnected() // first connect: init from API
	if st := f.store.status[100]; st != domain.StatusLive {
		t.Fatalf("status = %d, want live", st)
	}
	if f.store.startTime[100] != 1699990000 {
		t.Fatalf("start = %d", f.store.startTime[100])
	}
	if f.store.sessionsCreated != 0 {
		t.Fatal("init must not create a session")
	}

	// stream ended while we were disconnected
	f.api.liveStatus = domain.StatusOffline
	f.m.onConnected()
	if st := f.store.status[100]; st != domain.StatusOffline {
		t.Fatalf("status = %d, want offline after replayed end", st)
	}
	if f.store.sessionsEnded != 1 {
		t.Fatalf("sessions ended = %d, want 1", f.store.sessionsEnded)
	}
}

func TestDanmuEventFeedsBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := domain.Event{
		Kind: domain.KindDanmu,
		Cmd:  "DANMU_MSG",
		Raw:  json.RawMessage(`{"cmd":"DANMU_MSG","info":[[],"hello world",[42,"user"]]}`),
	}
	f.m.onDanmu(ev)
	if err := f.buf.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	stats, _ := f.store.RoomStats(ctx, 100)
	if stats.DanmuCount != 1 {
		t.Fatalf("danmu count = %d, want 1", stats.DanmuCount)
	}
}
