package monitor

import (
	"context"
	"fmt"

	"bilive-monitor/internal/domain"
	"bilive-monitor/internal/usecase"
)

// Report aggregates everything known about the current (or just-ended)
// session of a room. All read paths force a buffer flush first so the
// numbers include increments from the last few seconds.
type Report struct {
	Uname  string `json:"uname"`
	RoomID int64  `json:"room_id"`

	StartTime       int64 `json:"start_time"`
	EndTime         int64 `json:"end_time"`
	DurationSeconds int64 `json:"duration_seconds"`

	DanmuCount     int64   `json:"danmu_count"`
	DanmuUsers     int64   `json:"danmu_users"`
	GiftProfit     float64 `json:"gift_profit"`
	GiftUsers      int64   `json:"gift_users"`
	SCProfit       int64   `json:"sc_profit"`
	SCUsers        int64   `json:"sc_users"`
	BoxCount       int64   `json:"box_count"`
	BoxUsers       int64   `json:"box_users"`
	BoxProfit      float64 `json:"box_profit"`
	CaptainCount   int64   `json:"captain_count"`
	CommanderCount int64   `json:"commander_count"`
	GovernorCount  int64   `json:"governor_count"`

	DanmuTexts []string `json:"danmu_texts"`

	DanmuSeries []domain.TimePoint `json:"danmu_series"`
	GiftSeries  []domain.TimePoint `json:"gift_series"`
	SCSeries    []domain.TimePoint `json:"sc_series"`
	BoxSeries   []domain.TimePoint `json:"box_series"`
	GuardSeries []domain.TimePoint `json:"guard_series"`

	BoxProfitSeries []float64 `json:"box_profit_series"`
}

// Report builds the session report for the room.
func (m *RoomMonitor) Report(ctx context.Context) (Report, error) {
	if err := m.buffer.Flush(ctx); err != nil {
		return Report{}, fmt.Errorf("flush before report: %w", err)
	}
	roomID := m.RoomID()

	start, err := m.store.LiveStartTime(ctx, roomID)
	if err != nil {
		return Report{}, err
	}
	end, err := m.store.LiveEndTime(ctx, roomID)
	if err != nil {
		return Report{}, err
	}
	// session still open: report up to now
	if end == 0 || end < start {
		end = m.now()
	}

	stats, err := m.store.RoomStats(ctx, roomID)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		Uname:           m.Uname(),
		RoomID:          roomID,
		StartTime:       start,
		EndTime:         end,
		DurationSeconds: end - start,
		DanmuCount:      stats.DanmuCount,
		GiftProfit:      stats.GiftProfit,
		SCProfit:        stats.SCProfit,
		BoxCount:        stats.BoxCount,
		BoxProfit:       stats.BoxProfit,
		CaptainCount:    stats.CaptainCount,
		CommanderCount:  stats.CommanderCount,
		GovernorCount:   stats.GovernorCount,
	}

	userCounts := []struct {
		metric usecase.RankingMetric
		dst    *int64
	}{
		{usecase.RankDanmu, &r.DanmuUsers},
		{usecase.RankGift, &r.GiftUsers},
		{usecase.RankSC, &r.SCUsers},
		{usecase.RankBox, &r.BoxUsers},
	}
	for _, uc := range userCounts {
		n, err := m.store.DistinctUserCount(ctx, roomID, uc.metric)
		if err != nil {
			return Report{}, err
		}
		*uc.dst = n
	}

	if r.DanmuTexts, err = m.store.DanmuTexts(ctx, roomID); err != nil {
		return Report{}, err
	}

	series := []struct {
		kind usecase.SeriesKind
		dst  *[]domain.TimePoint
	}{
		{usecase.SeriesDanmu, &r.DanmuSeries},
		{usecase.SeriesGift, &r.GiftSeries},
		{usecase.SeriesSC, &r.SCSeries},
		{usecase.SeriesBox, &r.BoxSeries},
		{usecase.SeriesGuard, &r.GuardSeries},
	}
	for _, s := range series {
		points, err := m.store.TimeSeries(ctx, roomID, s.kind)
		if err != nil {
			return Report{}, err
		}
		*s.dst = points
	}

	if r.BoxProfitSeries, err = m.store.BoxProfitTotals(ctx, roomID); err != nil {
		return Report{}, err
	}
	return r, nil
}

// Ranking returns the top users for a metric. The guard tiers are served
// from the guard list rather than a counter table.
func (m *RoomMonitor) Ranking(ctx context.Context, kind string, limit int) ([]domain.RankingEntry, error) {
	if err := m.buffer.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush before ranking: %w", err)
	}
	if limit <= 0 {
		limit = 10
	}
	switch kind {
	case "danmu", "gift", "sc", "box", "box_profit":
		return m.store.Ranking(ctx, m.RoomID(), usecase.RankingMetric(kind), limit)
	case "captain":
		return m.store.GuardList(ctx, m.RoomID(), domain.TierCaptain)
	case "commander":
		return m.store.GuardList(ctx, m.RoomID(), domain.TierCommander)
	case "governor":
		return m.store.GuardList(ctx, m.RoomID(), domain.TierGovernor)
	default:
		return nil, fmt.Errorf("unknown ranking type %q", kind)
	}
}
