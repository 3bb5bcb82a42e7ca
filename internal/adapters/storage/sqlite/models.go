package sqlite

// Row types mirror the session-scoped counter tables plus the durable
// session history. Current-session tables are wiped by ResetRoomStats at
// live-start; live_sessions and room_subscriptions are never reset.

type liveStatusRow struct {
	RoomID    int64 `gorm:"primaryKey;column:room_id"`
	Status    int   `gorm:"column:status"`
	StartTime int64 `gorm:"column:start_time"`
	EndTime   int64 `gorm:"column:end_time"`
}

func (liveStatusRow) TableName() string { return "live_status" }

type liveSessionRow struct {
	ID              int64 `gorm:"primaryKey;autoIncrement;column:id"`
	RoomID          int64 `gorm:"column:room_id;index"`
	StartTime       int64 `gorm:"column:start_time"`
	EndTime         int64 `gorm:"column:end_time"`
	FansBefore      int64 `gorm:"column:fans_before"`
	FansAfter       int64 `gorm:"column:fans_after"`
	FansMedalBefore int64 `gorm:"column:fans_medal_before"`
	FansMedalAfter  int64 `gorm:"column:fans_medal_after"`
	GuardBefore     int64 `gorm:"column:guard_before"`
	GuardAfter      int64 `gorm:"column:guard_after"`
}

func (liveSessionRow) TableName() string { return "live_sessions" }

type roomStatsRow struct {
	RoomID         int64   `gorm:"primaryKey;column:room_id"`
	DanmuCount     int64   `gorm:"column:danmu_count"`
	GiftProfit     float64 `gorm:"column:gift_profit"`
	SCProfit       int64   `gorm:"column:sc_profit"`
	BoxCount       int64   `gorm:"column:box_count"`
	BoxProfit      float64 `gorm:"column:box_profit"`
	CaptainCount   int64   `gorm:"column:captain_count"`
	CommanderCount int64   `gorm:"column:commander_count"`
	GovernorCount  int64   `gorm:"column:governor_count"`
}

func (roomStatsRow) TableName() string { return "room_stats" }

type userDanmuRow struct {
	RoomID int64 `gorm:"primaryKey;column:room_id"`
	UID    int64 `gorm:"primaryKey;column:uid"`
	Count  int64 `gorm:"column:count"`
}

func (userDanmuRow) TableName() string { return "user_danmu" }

type userGiftRow struct {
	RoomID int64   `gorm:"primaryKey;column:room_id"`
	UID    int64   `gorm:"primaryKey;column:uid"`
	Profit float64 `gorm:"column:profit"`
}

func (userGiftRow) TableName() string { return "user_gift" }

type userSCRow struct {
	RoomID int64 `gorm:"primaryKey;column:room_id"`
	UID    int64 `gorm:"primaryKey;column:uid"`
	Profit int64 `gorm:"column:profit"`
}

func (userSCRow) TableName() string { return "user_sc" }

type userBoxRow struct {
	RoomID int64   `gorm:"primaryKey;column:room_id"`
	UID    int64   `gorm:"primaryKey;column:uid"`
	Count  int64   `gorm:"column:count"`
	Profit float64 `gorm:"column:profit"`
}

func (userBoxRow) TableName() string { return "user_box" }

type userGuardRow struct {
	RoomID    int64  `gorm:"primaryKey;column:room_id"`
	UID       int64  `gorm:"primaryKey;column:uid"`
	GuardType string `gorm:"primaryKey;column:guard_type"`
	Months    int64  `gorm:"column:months"`
}

func (userGuardRow) TableName() string { return "user_guard" }

type danmuTextRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement;column:id"`
	RoomID    int64  `gorm:"column:room_id;index"`
	Content   string `gorm:"column:content"`
	Timestamp int64  `gorm:"column:timestamp"`
}

func (danmuTextRow) TableName() string { return "danmu_texts" }

type timeStatRow struct {
	ID        int64   `gorm:"primaryKey;autoIncrement;column:id"`
	RoomID    int64   `gorm:"column:room_id;index:idx_time_stats_room_type"`
	StatType  string  `gorm:"column:stat_type;index:idx_time_stats_room_type"`
	Timestamp int64   `gorm:"column:timestamp"`
	Value     float64 `gorm:"column:value"`
}

func (timeStatRow) TableName() string { return "time_stats" }

type boxProfitRecordRow struct {
	ID     int64   `gorm:"primaryKey;autoIncrement;column:id"`
	RoomID int64   `gorm:"column:room_id;index"`
	Profit float64 `gorm:"column:profit"`
}

func (boxProfitRecordRow) TableName() string { return "box_profit_records" }

type roomSubscriptionRow struct {
	UID    int64  `gorm:"primaryKey;column:uid"`
	RoomID int64  `gorm:"column:room_id"`
	Uname  string `gorm:"column:uname"`
}

func (roomSubscriptionRow) TableName() string { return "room_subscriptions" }
