package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"bilive-monitor/internal/domain"
	"bilive-monitor/internal/usecase"
)

// Store implements the stats, session and subscription repositories on one
// sqlite database. Counter writes are additive upserts so replaying a
// snapshot is safe; ranking ties are broken by ascending uid.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	if err := db.AutoMigrate(
		&liveStatusRow{}, &liveSessionRow{}, &roomStatsRow{},
		&userDanmuRow{}, &userGiftRow{}, &userSCRow{}, &userBoxRow{}, &userGuardRow{},
		&danmuTextRow{}, &timeStatRow{}, &boxProfitRecordRow{}, &roomSubscriptionRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func addUpsert(cols []string, exprs map[string]string) clause.OnConflict {
	assignments := make(map[string]interface{}, len(exprs))
	for col, expr := range exprs {
		assignments[col] = gorm.Expr(expr)
	}
	conflict := make([]clause.Column, len(cols))
	for i, c := range cols {
		conflict[i] = clause.Column{Name: c}
	}
	return clause.OnConflict{Columns: conflict, DoUpdates: clause.Assignments(assignments)}
}

var guardColumn = map[domain.GuardTier]string{
	domain.TierCaptain:   "captain_count",
	domain.TierCommander: "commander_count",
	domain.TierGovernor:  "governor_count",
}

// ApplyDeltas commits one buffer snapshot in a single transaction.
func (s *Store) ApplyDeltas(ctx context.Context, snap *usecase.Snapshot) error {
	now := time.Now().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		roomKey := []string{"room_id"}
		for room, n := range snap.RoomDanmu {
			if err := tx.Clauses(addUpsert(roomKey, map[string]string{
				"danmu_count": "danmu_count + excluded.danmu_count",
			})).Create(&roomStatsRow{RoomID: room, DanmuCount: n}).Error; err != nil {
				return err
			}
		}
		for room, v := range snap.RoomGift {
			if err := tx.Clauses(addUpsert(roomKey, map[string]string{
				"gift_profit": "gift_profit + excluded.gift_profit",
			})).Create(&roomStatsRow{RoomID: room, GiftProfit: v}).Error; err != nil {
				return err
			}
		}
		for room, v := range snap.RoomSC {
			if err := tx.Clauses(addUpsert(roomKey, map[string]string{
				"sc_profit": "sc_profit + excluded.sc_profit",
			})).Create(&roomStatsRow{RoomID: room, SCProfit: v}).Error; err != nil {
				return err
			}
		}
		for room, v := range snap.RoomBoxCount {
			if err := tx.Clauses(addUpsert(roomKey, map[string]string{
				"box_count": "box_count + excluded.box_count",
			})).Create(&roomStatsRow{RoomID: room, BoxCount: v}).Error; err != nil {
				return err
			}
		}
		for room, v := range snap.RoomBoxProfit {
			if err := tx.Clauses(addUpsert(roomKey, map[string]string{
				"box_profit": "box_profit + excluded.box_profit",
			})).Create(&roomStatsRow{RoomID: room, BoxProfit: v}).Error; err != nil {
				return err
			}
		}
		for room, byTier := range snap.RoomGuard {
			for tier, months := range byTier {
				col := guardColumn[tier]
				row := roomStatsRow{RoomID: room}
				switch tier {
				case domain.TierCaptain:
					row.CaptainCount = months
				case domain.TierCommander:
					row.CommanderCount = months
				case domain.TierGovernor:
					row.GovernorCount = months
				}
				if err := tx.Clauses(addUpsert(roomKey, map[string]string{
					col: fmt.Sprintf("%s + excluded.%s", col, col),
				})).Create(&row).Error; err != nil {
					return err
				}
			}
		}

		userKey := []string{"room_id", "uid"}
		for k, n := range snap.UserDanmu {
			if err := tx.Clauses(addUpsert(userKey, map[string]string{
				"count": "count + excluded.count",
			})).Create(&userDanmuRow{RoomID: k.RoomID, UID: k.UID, Count: n}).Error; err != nil {
				return err
			}
		}
		for k, v := range snap.UserGift {
			if err := tx.Clauses(addUpsert(userKey, map[string]string{
				"profit": "profit + excluded.profit",
			})).Create(&userGiftRow{RoomID: k.RoomID, UID: k.UID, Profit: v}).Error; err != nil {
				return err
			}
		}
		for k, v := range snap.UserSC {
			if err := tx.Clauses(addUpsert(userKey, map[string]string{
				"profit": "profit + excluded.profit",
			})).Create(&userSCRow{RoomID: k.RoomID, UID: k.UID, Profit: v}).Error; err != nil {
				return err
			}
		}
		for k, n := range snap.UserBoxCount {
			profit := snap.UserBoxProfit[k]
			if err := tx.Clauses(addUpsert(userKey, map[string]string{
				"count":  "count + excluded.count",
				"profit": "profit + excluded.profit",
			})).Create(&userBoxRow{RoomID: k.RoomID, UID: k.UID, Count: n, Profit: profit}).Error; err != nil {
				return err
			}
		}
		for k, months := range snap.UserGuard {
			if err := tx.Clauses(addUpsert([]string{"room_id", "uid", "guard_type"}, map[string]string{
				"months": "months + excluded.months",
			})).Create(&userGuardRow{RoomID: k.RoomID, UID: k.UID, GuardType: string(k.Tier), Months: months}).Error; err != nil {
				return err
			}
		}

		// append-only payloads
		for room, texts := range snap.DanmuTexts {
			rows := make([]danmuTextRow, 0, len(texts))
			for _, text := range texts {
				rows = append(rows, danmuTextRow{RoomID: room, Content: text, Timestamp: now})
			}
			if len(rows) > 0 {
				if err := tx.Create(&rows).Error; err != nil {
					return err
				}
			}
		}
		for kind, byRoom := range snap.Series {
			for room, points := range byRoom {
				rows := make([]timeStatRow, 0, len(points))
				for _, p := range points {
					rows = append(rows, timeStatRow{RoomID: room, StatType: string(kind), Timestamp: p.Timestamp, Value: p.Value})
				}
				if len(rows) > 0 {
					if err := tx.Create(&rows).Error; err != nil {
						return err
					}
				}
			}
		}
		for room, totals := range snap.BoxProfitTotals {
			rows := make([]boxProfitRecordRow, 0, len(totals))
			for _, v := range totals {
				rows = append(rows, boxProfitRecordRow{RoomID: room, Profit: v})
			}
			if len(rows) > 0 {
				if err := tx.Create(&rows).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) RoomStats(ctx context.Context, roomID int64) (domain.RoomStats, error) {
	var row roomStatsRow
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.RoomStats{}, nil
	}
	if err != nil {
		return domain.RoomStats{}, err
	}
	return domain.RoomStats{
		DanmuCount:     row.DanmuCount,
		GiftProfit:     row.GiftProfit,
		SCProfit:       row.SCProfit,
		BoxCount:       row.BoxCount,
		BoxProfit:      row.BoxProfit,
		CaptainCount:   row.CaptainCount,
		CommanderCount: row.CommanderCount,
		GovernorCount:  row.GovernorCount,
	}, nil
}

var rankingQuery = map[usecase.RankingMetric]string{
	usecase.RankDanmu:     "SELECT uid, count AS value FROM user_danmu WHERE room_id = ? ORDER BY count DESC, uid ASC LIMIT ?",
	usecase.RankGift:      "SELECT uid, profit AS value FROM user_gift WHERE room_id = ? ORDER BY profit DESC, uid ASC LIMIT ?",
	usecase.RankSC:        "SELECT uid, profit AS value FROM user_sc WHERE room_id = ? ORDER BY profit DESC, uid ASC LIMIT ?",
	usecase.RankBox:       "SELECT uid, count AS value FROM user_box WHERE room_id = ? ORDER BY count DESC, uid ASC LIMIT ?",
	usecase.RankBoxProfit: "SELECT uid, profit AS value FROM user_box WHERE room_id = ? ORDER BY profit DESC, uid ASC LIMIT ?",
}

func (s *Store) Ranking(ctx context.Context, roomID int64, metric usecase.RankingMetric, limit int) ([]domain.RankingEntry, error) {
	query, ok := rankingQuery[metric]
	if !ok {
		return nil, fmt.Errorf("unknown ranking metric %q", metric)
	}
	var rows []domain.RankingEntry
	if err := s.db.WithContext(ctx).Raw(query, roomID, limit).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) GuardList(ctx context.Context, roomID int64, tier domain.GuardTier) ([]domain.RankingEntry, error) {
	var rows []domain.RankingEntry
	err := s.db.WithContext(ctx).
		Raw("SELECT uid, months AS value FROM user_guard WHERE room_id = ? AND guard_type = ? ORDER BY months DESC, uid ASC",
			roomID, string(tier)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

var userTable = map[usecase.RankingMetric]string{
	usecase.RankDanmu:     "user_danmu",
	usecase.RankGift:      "user_gift",
	usecase.RankSC:        "user_sc",
	usecase.RankBox:       "user_box",
	usecase.RankBoxProfit: "user_box",
}

func (s *Store) DistinctUserCount(ctx context.Context, roomID int64, metric usecase.RankingMetric) (int64, error) {
	table, ok := userTable[metric]
	if !ok {
		return 0, fmt.Errorf("unknown ranking metric %q", metric)
	}
	var n int64
	err := s.db.WithContext(ctx).
		Raw(fmt.Sprintf("SELECT COUNT(DISTINCT uid) FROM %s WHERE room_id = ?", table), roomID).
		Scan(&n).Error
	return n, err
}

func (s *Store) DanmuTexts(ctx context.Context, roomID int64) ([]string, error) {
	var texts []string
	err := s.db.WithContext(ctx).Model(&danmuTextRow{}).
		Where("room_id = ?", roomID).Order("id").Pluck("content", &texts).Error
	return texts, err
}

func (s *Store) TimeSeries(ctx context.Context, roomID int64, kind usecase.SeriesKind) ([]domain.TimePoint, error) {
	var points []domain.TimePoint
	err := s.db.WithContext(ctx).
		Raw("SELECT timestamp, value FROM time_stats WHERE room_id = ? AND stat_type = ? ORDER BY timestamp",
			roomID, string(kind)).
		Scan(&points).Error
	return points, err
}

func (s *Store) BoxProfitTotals(ctx context.Context, roomID int64) ([]float64, error) {
	var totals []float64
	err := s.db.WithContext(ctx).Model(&boxProfitRecordRow{}).
		Where("room_id = ?", roomID).Order("id").Pluck("profit", &totals).Error
	return totals, err
}

func (s *Store) ResetRoomStats(ctx context.Context, roomID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&roomStatsRow{}, &userDanmuRow{}, &userGiftRow{}, &userSCRow{},
			&userBoxRow{}, &userGuardRow{}, &danmuTextRow{}, &timeStatRow{},
			&boxProfitRecordRow{},
		} {
			if err := tx.Where("room_id = ?", roomID).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// --- session repository ---

func (s *Store) LiveStatus(ctx context.Context, roomID int64) (int, error) {
	var row liveStatusRow
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.StatusOffline, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Status, nil
}

func (s *Store) SetLiveStatus(ctx context.Context, roomID int64, status int) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status"}),
	}).Create(&liveStatusRow{RoomID: roomID, Status: status}).Error
}

func (s *Store) LiveStartTime(ctx context.Context, roomID int64) (int64, error) {
	var row liveStatusRow
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.StartTime, nil
}

func (s *Store) SetLiveStartTime(ctx context.Context, roomID int64, ts int64) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"start_time"}),
	}).Create(&liveStatusRow{RoomID: roomID, StartTime: ts}).Error
}

func (s *Store) LiveEndTime(ctx context.Context, roomID int64) (int64, error) {
	var row liveStatusRow
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.EndTime, nil
}

func (s *Store) SetLiveEndTime(ctx context.Context, roomID int64, ts int64) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"end_time"}),
	}).Create(&liveStatusRow{RoomID: roomID, EndTime: ts}).Error
}

func (s *Store) CreateSession(ctx context.Context, roomID, startTime int64, before domain.AudienceSnapshot) (int64, error) {
	row := liveSessionRow{
		RoomID:          roomID,
		StartTime:       startTime,
		FansBefore:      before.Fans,
		FansMedalBefore: before.FansMedal,
		GuardBefore:     before.Guards,
		FansAfter:       -1,
		FansMedalAfter:  -1,
		GuardAfter:      -1,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *Store) EndSession(ctx context.Context, roomID, endTime int64, after domain.AudienceSnapshot) error {
	return s.db.WithContext(ctx).Model(&liveSessionRow{}).
		Where("room_id = ? AND end_time = 0", roomID).
		Updates(map[string]interface{}{
			"end_time":         endTime,
			"fans_after":       after.Fans,
			"fans_medal_after": after.FansMedal,
			"guard_after":      after.Guards,
		}).Error
}

// --- subscription repository ---

func (s *Store) SaveSubscription(ctx context.Context, sub usecase.RoomSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		DoUpdates: clause.AssignmentColumns([]string{"room_id", "uname"}),
	}).Create(&roomSubscriptionRow{UID: sub.UID, RoomID: sub.RoomID, Uname: sub.Uname}).Error
}

func (s *Store) DeleteSubscription(ctx context.Context, uid int64) error {
	return s.db.WithContext(ctx).Where("uid = ?", uid).Delete(&roomSubscriptionRow{}).Error
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]usecase.RoomSubscription, error) {
	var rows []roomSubscriptionRow
	if err := s.db.WithContext(ctx).Order("uid").Find(&rows).Error; err != nil {
		return nil, err
	}
	subs := make([]usecase.RoomSubscription, 0, len(rows))
	for _, r := range rows {
		subs = append(subs, usecase.RoomSubscription{UID: r.UID, RoomID: r.RoomID, Uname: r.Uname})
	}
	return subs, nil
}
