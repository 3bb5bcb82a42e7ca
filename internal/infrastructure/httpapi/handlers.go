package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"bilive-monitor/internal/domain"
	"bilive-monitor/internal/infrastructure/danmaku"
	"bilive-monitor/internal/monitor"
)

// Room is the view of a monitored room the API serves. *monitor.RoomMonitor
// satisfies it.
type Room interface {
	UID() int64
	RoomID() int64
	Uname() string
	ConnState() danmaku.State
	Report(ctx context.Context) (monitor.Report, error)
	Ranking(ctx context.Context, kind string, limit int) ([]domain.RankingEntry, error)
}

// RoomRegistry holds the active monitors keyed by real room id.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[int64]Room
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[int64]Room)}
}

func (r *RoomRegistry) Add(room Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.RoomID()] = room
}

func (r *RoomRegistry) Get(roomID int64) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

func (r *RoomRegistry) List() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID() < out[j].RoomID() })
	return out
}

type roomSummary struct {
	UID       int64  `json:"uid"`
	RoomID    int64  `json:"room_id"`
	Uname     string `json:"uname"`
	ConnState string `json:"conn_state"`
}

func (d *Deps) handleListRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only", nil)
		return
	}
	rooms := d.Rooms.List()
	out := make([]roomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomSummary{
			UID:       room.UID(),
			RoomID:    room.RoomID(),
			Uname:     room.Uname(),
			ConnState: room.ConnState().String(),
		})
	}
	writeJSON(w, out)
}

func (d *Deps) handleRoomByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only", nil)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	parts := strings.SplitN(rest, "/", 2)
	roomID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || roomID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_room_id", "room id must be a positive integer", nil)
		return
	}
	room, ok := d.Rooms.Get(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "room_not_found", "room is not monitored", nil)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = strings.TrimSuffix(parts[1], "/")
	}
	switch action {
	case "stats":
		report, err := room.Report(r.Context())
		if err != nil {
			d.Logger.Error().Err(err).Int64("room", roomID).Msg("stats report failed")
			writeError(w, http.StatusInternalServerError, "report_failed", err.Error(), nil)
			return
		}
		writeJSON(w, report)
	case "rankings":
		kind := r.URL.Query().Get("type")
		if kind == "" {
			kind = "danmu"
		}
		limit := d.Cfg.RankingLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "bad_limit", "limit must be a positive integer", nil)
				return
			}
			limit = n
		}
		entries, err := room.Ranking(r.Context(), kind, limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_ranking_type", err.Error(), nil)
			return
		}
		if entries == nil {
			entries = []domain.RankingEntry{}
		}
		writeJSON(w, map[string]any{"type": kind, "entries": entries})
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown room resource", nil)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
