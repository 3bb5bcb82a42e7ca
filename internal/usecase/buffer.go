package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bilive-monitor/internal/domain"
)

// StatsBuffer absorbs high-frequency increments in memory and commits them
// to the store as additive deltas on a fixed interval. Increments never
// block on storage; Flush swaps the accumulation maps for fresh ones before
// any store I/O, so increments arriving during a slow commit land in the
// new snapshot.
type StatsBuffer struct {
	mu  sync.Mutex
	cur *Snapshot
	// session-cumulative box profit per room; survives flushes so the
	// running-total series keeps growing across flush windows
	boxTotal map[int64]float64

	store StatsRepository
	log   *zerolog.Logger
	now   func() int64

	// OnFlush, when set, observes the outcome of every flush attempt made
	// by Run. Used to feed metrics without coupling this package to them.
	OnFlush func(err error)
}

func NewStatsBuffer(store StatsRepository, log *zerolog.Logger) *StatsBuffer {
	return &StatsBuffer{
		cur:      newSnapshot(),
		boxTotal: make(map[int64]float64),
		store:    store,
		log:      log,
		now:      func() int64 { return time.Now().Unix() },
	}
}

func (b *StatsBuffer) IncrDanmu(roomID, uid int64, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.RoomDanmu[roomID]++
	if uid != 0 {
		b.cur.UserDanmu[UserKey{roomID, uid}]++
	}
	b.cur.DanmuTexts[roomID] = append(b.cur.DanmuTexts[roomID], content)
	b.appendPoint(SeriesDanmu, roomID, 1)
}

func (b *StatsBuffer) IncrGift(roomID, uid int64, profit float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.RoomGift[roomID] += profit
	b.cur.UserGift[UserKey{roomID, uid}] += profit
	b.appendPoint(SeriesGift, roomID, profit)
}

func (b *StatsBuffer) IncrSC(roomID, uid, price int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.RoomSC[roomID] += price
	b.cur.UserSC[UserKey{roomID, uid}] += price
	b.appendPoint(SeriesSC, roomID, float64(price))
}

func (b *StatsBuffer) IncrBox(roomID, uid int64, count int, profit float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.RoomBoxCount[roomID] += int64(count)
	b.cur.UserBoxCount[UserKey{roomID, uid}] += int64(count)
	b.cur.RoomBoxProfit[roomID] += profit
	b.cur.UserBoxProfit[UserKey{roomID, uid}] += profit
	b.appendPoint(SeriesBox, roomID, float64(count))
	b.boxTotal[roomID] += profit
	b.cur.BoxProfitTotals[roomID] = append(b.cur.BoxProfitTotals[roomID], b.boxTotal[roomID])
}

func (b *StatsBuffer) IncrGuard(roomID, uid int64, tier domain.GuardTier, months int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byTier, ok := b.cur.RoomGuard[roomID]
	if !ok {
		byTier = make(map[domain.GuardTier]int64)
		b.cur.RoomGuard[roomID] = byTier
	}
	byTier[tier] += int64(months)
	b.cur.UserGuard[GuardKey{roomID, uid, tier}] += int64(months)
	b.appendPoint(SeriesGuard, roomID, float64(months))
}

func (b *StatsBuffer) appendPoint(kind SeriesKind, roomID int64, value float64) {
	byRoom := b.cur.Series[kind]
	byRoom[roomID] = append(byRoom[roomID], domain.TimePoint{Timestamp: b.now(), Value: value})
}

// ResetRoom drops pending increments and the running box-profit total for a
// room. Called at live-start, after the store's session tables are cleared.
func (b *StatsBuffer) ResetRoom(roomID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.boxTotal, roomID)
	delete(b.cur.RoomDanmu, roomID)
	delete(b.cur.RoomGift, roomID)
	delete(b.cur.RoomSC, roomID)
	delete(b.cur.RoomBoxCount, roomID)
	delete(b.cur.RoomBoxProfit, roomID)
	delete(b.cur.RoomGuard, roomID)
	delete(b.cur.DanmuTexts, roomID)
	delete(b.cur.BoxProfitTotals, roomID)
	for _, byRoom := range b.cur.Series {
		delete(byRoom, roomID)
	}
	for k := range b.cur.UserDanmu {
		if k.RoomID == roomID {
			delete(b.cur.UserDanmu, k)
		}
	}
	for k := range b.cur.UserGift {
		if k.RoomID == roomID {
			delete(b.cur.UserGift, k)
		}
	}
	for k := range b.cur.UserSC {
		if k.RoomID == roomID {
			delete(b.cur.UserSC, k)
		}
	}
	for k := range b.cur.UserBoxCount {
		if k.RoomID == roomID {
			delete(b.cur.UserBoxCount, k)
		}
	}
	for k := range b.cur.UserBoxProfit {
		if k.RoomID == roomID {
			delete(b.cur.UserBoxProfit, k)
		}
	}
	for k := range b.cur.UserGuard {
		if k.RoomID == roomID {
			delete(b.cur.UserGuard, k)
		}
	}
}

// Flush atomically swaps the accumulation maps and commits the swapped-out
// snapshot. A failed commit is retried once; a second failure is returned to
// the caller and the snapshot is dropped, never silently re-applied.
func (b *StatsBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.cur.Empty() {
		b.mu.Unlock()
		return nil
	}
	snap := b.cur
	b.cur = newSnapshot()
	b.mu.Unlock()

	if err := b.store.ApplyDeltas(ctx, snap); err != nil {
		b.log.Warn().Err(err).Msg("stats flush failed, retrying once")
		if err := b.store.ApplyDeltas(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// Run flushes on a fixed interval until ctx is cancelled, then performs a
// final drain.
func (b *StatsBuffer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			err := b.Flush(context.Background())
			if err != nil {
				b.log.Error().Err(err).Msg("final stats flush failed")
			}
			if b.OnFlush != nil {
				b.OnFlush(err)
			}
			return
		case <-ticker.C:
			err := b.Flush(ctx)
			if err != nil {
				b.log.Error().Err(err).Msg("stats flush failed")
			}
			if b.OnFlush != nil {
				b.OnFlush(err)
			}
		}
	}
}
