package usecase

import (
	"context"

	"bilive-monitor/internal/domain"
)

// RankingMetric selects which per-user counter a ranking query orders by.
type RankingMetric string

const (
	RankDanmu     RankingMetric = "danmu"
	RankGift      RankingMetric = "gift"
	RankSC        RankingMetric = "sc"
	RankBox       RankingMetric = "box"
	RankBoxProfit RankingMetric = "box_profit"
)

// SeriesKind names a per-room time series.
type SeriesKind string

const (
	SeriesDanmu SeriesKind = "danmu"
	SeriesGift  SeriesKind = "gift"
	SeriesSC    SeriesKind = "sc"
	SeriesBox   SeriesKind = "box"
	SeriesGuard SeriesKind = "guard"
)

// StatsRepository is the durable counter store. All counter writes are
// additive upserts so a retried flush cannot corrupt totals.
type StatsRepository interface {
	ApplyDeltas(ctx context.Context, snap *Snapshot) error
	RoomStats(ctx context.Context, roomID int64) (domain.RoomStats, error)
	Ranking(ctx context.Context, roomID int64, metric RankingMetric, limit int) ([]domain.RankingEntry, error)
	GuardList(ctx context.Context, roomID int64, tier domain.GuardTier) ([]domain.RankingEntry, error)
	DistinctUserCount(ctx context.Context, roomID int64, metric RankingMetric) (int64, error)
	DanmuTexts(ctx context.Context, roomID int64) ([]string, error)
	TimeSeries(ctx context.Context, roomID int64, kind SeriesKind) ([]domain.TimePoint, error)
	BoxProfitTotals(ctx context.Context, roomID int64) ([]float64, error)
	// ResetRoomStats deletes all current-session rows for a room. Session
	// history is never reset.
	ResetRoomStats(ctx context.Context, roomID int64) error
}

// SessionRepository persists live status and the session history.
type SessionRepository interface {
	LiveStatus(ctx context.Context, roomID int64) (int, error)
	SetLiveStatus(ctx context.Context, roomID int64, status int) error
	LiveStartTime(ctx context.Context, roomID int64) (int64, error)
	SetLiveStartTime(ctx context.Context, roomID int64, ts int64) error
	LiveEndTime(ctx context.Context, roomID int64) (int64, error)
	SetLiveEndTime(ctx context.Context, roomID int64, ts int64) error
	CreateSession(ctx context.Context, roomID, startTime int64, before domain.AudienceSnapshot) (int64, error)
	EndSession(ctx context.Context, roomID, endTime int64, after domain.AudienceSnapshot) error
}

// SubscriptionRepository stores which rooms are monitored across restarts.
type SubscriptionRepository interface {
	SaveSubscription(ctx context.Context, sub RoomSubscription) error
	DeleteSubscription(ctx context.Context, uid int64) error
	ListSubscriptions(ctx context.Context) ([]RoomSubscription, error)
}

// RoomSubscription is one monitored streamer, keyed by account uid.
type RoomSubscription struct {
	UID    int64
	RoomID int64
	Uname  string
}
