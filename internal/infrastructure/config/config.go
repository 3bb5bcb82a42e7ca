package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr     string
	LogLevel string
	DBPath   string

	// RoomUIDs are the streamer account uids to monitor, comma separated.
	RoomUIDs []int64

	// Login cookies. Empty values give an anonymous session, which still
	// receives events but with masked sender uids on some payloads.
	SESSDATA string
	BiliJCT  string
	Buvid3   string

	// WebhookURL receives live-start/live-end notifications; empty disables.
	WebhookURL string

	FlushIntervalMs     int
	ReconnectDelayMs    int
	HeartbeatIntervalMs int
	RankingLimit        int
}

func FromEnv() Config {
	cfg := Config{
		Addr:     getEnv("ADDR", ":9092"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DBPath:   getEnv("DB_PATH", "bilive.db"),

		SESSDATA:   getEnv("SESSDATA", ""),
		BiliJCT:    getEnv("BILI_JCT", ""),
		Buvid3:     getEnv("BUVID3", ""),
		WebhookURL: getEnv("WEBHOOK_URL", ""),

		FlushIntervalMs:     getEnvInt("FLUSH_INTERVAL_MS", 5000),
		ReconnectDelayMs:    getEnvInt("RECONNECT_DELAY_MS", 5000),
		HeartbeatIntervalMs: getEnvInt("HEARTBEAT_INTERVAL_MS", 30000),
		RankingLimit:        getEnvInt("RANKING_LIMIT", 10),
	}
	if v := strings.TrimSpace(os.Getenv("ROOM_UIDS")); v != "" {
		for _, tok := range splitCSV(v) {
			if uid, err := strconv.ParseInt(tok, 10, 64); err == nil && uid > 0 {
				cfg.RoomUIDs = append(cfg.RoomUIDs, uid)
			}
		}
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// splitCSV splits comma-separated tokens trimming whitespace and skipping empties.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
