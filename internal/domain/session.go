package domain

// GuardTier is one of the three paid-membership ranks.
type GuardTier string

const (
	TierCaptain   GuardTier = "Captain"
	TierCommander GuardTier = "Commander"
	TierGovernor  GuardTier = "Governor"
)

var tierByName = map[string]GuardTier{
	"舰长": TierCaptain,
	"提督": TierCommander,
	"总督": TierGovernor,
}

// TierOf maps the localized tier name from a GUARD_BUY payload to a rank.
// Unrecognized names default to the lowest tier so the purchase still counts.
func TierOf(name string) GuardTier {
	if t, ok := tierByName[name]; ok {
		return t
	}
	return TierCaptain
}

// RoomStats holds the cumulative counters for a room's current session.
type RoomStats struct {
	DanmuCount     int64
	GiftProfit     float64
	SCProfit       int64
	BoxCount       int64
	BoxProfit      float64
	CaptainCount   int64
	CommanderCount int64
	GovernorCount  int64
}

// AudienceSnapshot captures follower/fan-club/subscriber counts around a
// session boundary. -1 means the value could not be fetched.
type AudienceSnapshot struct {
	Fans      int64
	FansMedal int64
	Guards    int64
}

// LiveSession is one broadcast, bounded by live-start and live-end.
// EndTime stays 0 while the session is open.
type LiveSession struct {
	ID        int64
	RoomID    int64
	StartTime int64
	EndTime   int64
	Before    AudienceSnapshot
	After     AudienceSnapshot
}

// TimePoint is one (timestamp, value) sample of a per-room metric series.
type TimePoint struct {
	Timestamp int64
	Value     float64
}

// RankingEntry is one row of a top-N ranking query.
type RankingEntry struct {
	UID   int64
	Value float64
}

// Live status values persisted per room.
const (
	StatusOffline = 0
	StatusLive    = 1
	StatusLooping = 2
)
