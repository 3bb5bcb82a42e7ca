package usecase

import "bilive-monitor/internal/domain"

// UserKey addresses a per-user counter within one room.
type UserKey struct {
	RoomID int64
	UID    int64
}

// GuardKey additionally carries the membership tier.
type GuardKey struct {
	RoomID int64
	UID    int64
	Tier   domain.GuardTier
}

// Snapshot is a point-in-time copy of all pending increments, produced by
// swapping the buffer's accumulation maps. Once committed it is discarded;
// deltas are never re-applied.
type Snapshot struct {
	RoomDanmu     map[int64]int64
	RoomGift      map[int64]float64
	RoomSC        map[int64]int64
	RoomBoxCount  map[int64]int64
	RoomBoxProfit map[int64]float64
	RoomGuard     map[int64]map[domain.GuardTier]int64

	UserDanmu     map[UserKey]int64
	UserGift      map[UserKey]float64
	UserSC        map[UserKey]int64
	UserBoxCount  map[UserKey]int64
	UserBoxProfit map[UserKey]float64
	UserGuard     map[GuardKey]int64

	// append-only payloads: bulk-inserted, not upserted
	DanmuTexts      map[int64][]string
	Series          map[SeriesKind]map[int64][]domain.TimePoint
	BoxProfitTotals map[int64][]float64
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		RoomDanmu:     make(map[int64]int64),
		RoomGift:      make(map[int64]float64),
		RoomSC:        make(map[int64]int64),
		RoomBoxCount:  make(map[int64]int64),
		RoomBoxProfit: make(map[int64]float64),
		RoomGuard:     make(map[int64]map[domain.GuardTier]int64),
		UserDanmu:     make(map[UserKey]int64),
		UserGift:      make(map[UserKey]float64),
		UserSC:        make(map[UserKey]int64),
		UserBoxCount:  make(map[UserKey]int64),
		UserBoxProfit: make(map[UserKey]float64),
		UserGuard:     make(map[GuardKey]int64),
		DanmuTexts:    make(map[int64][]string),
		Series: map[SeriesKind]map[int64][]domain.TimePoint{
			SeriesDanmu: make(map[int64][]domain.TimePoint),
			SeriesGift:  make(map[int64][]domain.TimePoint),
			SeriesSC:    make(map[int64][]domain.TimePoint),
			SeriesBox:   make(map[int64][]domain.TimePoint),
			SeriesGuard: make(map[int64][]domain.TimePoint),
		},
		BoxProfitTotals: make(map[int64][]float64),
	}
}

// Empty reports whether the snapshot carries no deltas at all.
func (s *Snapshot) Empty() bool {
	if len(s.RoomDanmu) > 0 || len(s.RoomGift) > 0 || len(s.RoomSC) > 0 ||
		len(s.RoomBoxCount) > 0 || len(s.RoomBoxProfit) > 0 || len(s.RoomGuard) > 0 {
		return false
	}
	if len(s.UserDanmu) > 0 || len(s.UserGift) > 0 || len(s.UserSC) > 0 ||
		len(s.UserBoxCount) > 0 || len(s.UserBoxProfit) > 0 || len(s.UserGuard) > 0 {
		return false
	}
	if len(s.DanmuTexts) > 0 || len(s.BoxProfitTotals) > 0 {
		return false
	}
	for _, byRoom := range s.Series {
		if len(byRoom) > 0 {
			return false
		}
	}
	return true
}
