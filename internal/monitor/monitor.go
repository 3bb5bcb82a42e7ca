package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bilive-monitor/internal/adapters/api/bili"
	"bilive-monitor/internal/domain"
	"bilive-monitor/internal/infrastructure/danmaku"
	"bilive-monitor/internal/notify"
	"bilive-monitor/internal/usecase"
)

// RoomAPI is the slice of the upstream API the monitor consumes.
type RoomAPI interface {
	RoomPlayInfo(ctx context.Context, roomID int64) (bili.RoomPlayInfo, error)
	RoomInfo(ctx context.Context, roomID int64) (bili.RoomInfo, error)
	RoomInfoV2(ctx context.Context, roomID int64) (bili.RoomInfoV2, error)
	MasterInfo(ctx context.Context, uid int64) (bili.MasterInfo, error)
	FansMedalCount(ctx context.Context, uid int64) (int64, error)
	GuardCount(ctx context.Context, roomID, uid int64) (int64, error)
}

// Store is the persistence the monitor needs: counters plus session state.
type Store interface {
	usecase.StatsRepository
	usecase.SessionRepository
}

// Conn is the protocol connection lifecycle the monitor drives.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() danmaku.State
}

// Two LIVE signals this close together, bracketing a fresh end time, are a
// chat-server reconnect echo rather than a new broadcast.
const reconnectEchoWindow = 60 * time.Second

// Lucky keys pay out one percent of their face value.
const luckyKeyGiftID = 31709

type Config struct {
	UID    int64
	RoomID int64 // optional; resolved from UID when 0
	Uname  string
}

// RoomMonitor owns the live-state machine for one streamer: it reacts to
// chat events, keeps session boundaries in the store and feeds counters to
// the stats buffer. LIVE handling is idempotent across duplicate events.
type RoomMonitor struct {
	cfg Config

	api      RoomAPI
	store    Store
	buffer   *usecase.StatsBuffer
	notifier notify.Notifier
	log      zerolog.Logger
	now      func() int64

	conn Conn

	mu           sync.Mutex // guards roomID, uname, lastPush, wasConnected
	roomID       int64
	uname        string
	lastPush     int64
	wasConnected bool

	isLive    atomic.Bool
	liveMu    sync.Mutex // serializes live-on and live-off processing
	opTimeout time.Duration
}

// New builds a monitor and registers its handlers on the dispatcher.
// The protocol connection is attached afterwards via SetConn because the
// danmaku client needs the same dispatcher.
func New(cfg Config, api RoomAPI, store Store, buffer *usecase.StatsBuffer, notifier notify.Notifier, dispatcher *danmaku.Dispatcher, log *zerolog.Logger) *RoomMonitor {
	m := &RoomMonitor{
		cfg:       cfg,
		api:       api,
		store:     store,
		buffer:    buffer,
		notifier:  notifier,
		log:       log.With().Int64("uid", cfg.UID).Logger(),
		now:       func() int64 { return time.Now().Unix() },
		roomID:    cfg.RoomID,
		uname:     cfg.Uname,
		opTimeout: 15 * time.Second,
	}

	dispatcher.On(domain.KindConnected, func(domain.Event) { m.onConnected() })
	dispatcher.On(domain.KindLive, func(ev domain.Event) { m.onLive(ev.LiveTime()) })
	dispatcher.On(domain.KindPreparing, func(domain.Event) { m.onPreparing() })
	dispatcher.On(domain.KindDanmu, m.onDanmu)
	dispatcher.On(domain.KindGift, m.onGift)
	dispatcher.On(domain.KindSuperChat, m.onSuperChat)
	dispatcher.On(domain.KindGuardBuy, m.onGuardBuy)
	return m
}

func (m *RoomMonitor) SetConn(conn Conn) { m.conn = conn }

func (m *RoomMonitor) UID() int64 { return m.cfg.UID }

func (m *RoomMonitor) RoomID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

func (m *RoomMonitor) Uname() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uname
}

// ConnState reports the protocol connection phase.
func (m *RoomMonitor) ConnState() danmaku.State {
	if m.conn == nil {
		return danmaku.StateIdle
	}
	return m.conn.State()
}

func (m *RoomMonitor) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.opTimeout)
}

// Resolve fills in the room id and display name from the streamer uid.
// No-op when both are already known.
func (m *RoomMonitor) Resolve(ctx context.Context) error {
	m.mu.Lock()
	roomID, uname := m.roomID, m.uname
	m.mu.Unlock()
	if roomID != 0 && uname != "" {
		return nil
	}

	master, err := m.api.MasterInfo(ctx, m.cfg.UID)
	if err != nil {
		return fmt.Errorf("resolve uid %d: %w", m.cfg.UID, err)
	}
	if roomID == 0 {
		if master.RoomID == 0 {
			return fmt.Errorf("uid %d has no live room", m.cfg.UID)
		}
		roomID = master.RoomID
	}
	if uname == "" {
		uname = master.Uname
		if uname == "" {
			uname = fmt.Sprintf("UID:%d", m.cfg.UID)
		}
	}
	m.mu.Lock()
	m.roomID, m.uname = roomID, uname
	m.mu.Unlock()
	return nil
}

// Connect resolves the streamer's room when only the uid is configured,
// then dials the chat server.
func (m *RoomMonitor) Connect(ctx context.Context) error {
	if err := m.Resolve(ctx); err != nil {
		return err
	}
	if m.conn == nil {
		return fmt.Errorf("monitor for uid %d has no connection attached", m.cfg.UID)
	}
	m.log.Info().Int64("room", m.RoomID()).Str("uname", m.Uname()).Msg("connecting to live room")
	return m.conn.Connect(ctx)
}

func (m *RoomMonitor) Disconnect() {
	if m.conn != nil {
		m.conn.Disconnect()
	}
}

// onConnected initializes persisted live state on the first auth and, on
// reconnects, replays any live-on/live-off transition missed while offline.
func (m *RoomMonitor) onConnected() {
	m.mu.Lock()
	reconnect := m.wasConnected
	m.wasConnected = true
	m.mu.Unlock()

	if reconnect {
		m.checkStatusChange()
		return
	}
	m.initLiveStatus()
}

func (m *RoomMonitor) initLiveStatus() {
	ctx, cancel := m.opCtx()
	defer cancel()

	info, err := m.api.RoomPlayInfo(ctx, m.RoomID())
	if err != nil {
		m.log.Error().Err(err).Msg("initial live status fetch failed")
		return
	}
	if err := m.store.SetLiveStatus(ctx, m.RoomID(), info.LiveStatus); err != nil {
		m.log.Error().Err(err).Msg("persist initial live status failed")
		return
	}
	m.isLive.Store(info.LiveStatus == domain.StatusLive)
	if info.LiveStatus == domain.StatusLive {
		start := info.LiveTime
		if start == 0 {
			start = m.now()
		}
		if err := m.store.SetLiveStartTime(ctx, m.RoomID(), start); err != nil {
			m.log.Error().Err(err).Msg("persist live start time failed")
		}
		m.log.Info().Msg("room already live at startup")
	}
}

func (m *RoomMonitor) checkStatusChange() {
	ctx, cancel := m.opCtx()
	defer cancel()

	info, err := m.api.RoomPlayInfo(ctx, m.RoomID())
	if err != nil {
		m.log.Error().Err(err).Msg("status check after reconnect failed")
		return
	}
	last, err := m.store.LiveStatus(ctx, m.RoomID())
	if err != nil {
		m.log.Error().Err(err).Msg("stored live status lookup failed")
		return
	}
	if info.LiveStatus == last {
		return
	}
	if info.LiveStatus == domain.StatusLive {
		m.log.Warn().Msg("room went live while disconnected")
		m.onLive(info.LiveTime)
	} else if last == domain.StatusLive {
		m.log.Warn().Msg("room went offline while disconnected")
		m.onPreparing()
	}
}

// onLive processes a live-start signal exactly once per broadcast. The fast
// in-memory flag short-circuits duplicate events; the mutex plus persisted
// status recheck close the race between concurrent handlers.
func (m *RoomMonitor) onLive(liveTime int64) {
	if m.isLive.Load() {
		return
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	m.liveMu.Lock()
	if m.isLive.Load() {
		m.liveMu.Unlock()
		return
	}
	status, err := m.store.LiveStatus(ctx, m.RoomID())
	if err != nil {
		m.liveMu.Unlock()
		m.log.Error().Err(err).Msg("live status lookup failed")
		return
	}
	if status == domain.StatusLive {
		m.isLive.Store(true)
		m.liveMu.Unlock()
		return
	}
	m.isLive.Store(true)
	m.liveMu.Unlock()

	now := m.now()
	lastEnd, err := m.store.LiveEndTime(ctx, m.RoomID())
	if err != nil {
		m.log.Error().Err(err).Msg("live end time lookup failed")
		lastEnd = 0
	}
	m.mu.Lock()
	lastPush := m.lastPush
	m.mu.Unlock()

	window := int64(reconnectEchoWindow / time.Second)
	if lastEnd != 0 && now-lastEnd <= window && lastPush != 0 && now-lastPush <= window {
		m.log.Info().Msg("live signal within reconnect window, restoring status only")
		if err := m.store.SetLiveStatus(ctx, m.RoomID(), domain.StatusLive); err != nil {
			m.log.Error().Err(err).Msg("restore live status failed")
		}
		return
	}

	m.log.Info().Str("uname", m.Uname()).Msg("live started")

	if err := m.store.SetLiveStatus(ctx, m.RoomID(), domain.StatusLive); err != nil {
		m.log.Error().Err(err).Msg("persist live status failed")
	}

	start := liveTime
	if start == 0 {
		start = now
	}
	if err := m.store.SetLiveStartTime(ctx, m.RoomID(), start); err != nil {
		m.log.Error().Err(err).Msg("persist live start time failed")
	}

	// new broadcast: wipe the previous session's counters
	if err := m.store.ResetRoomStats(ctx, m.RoomID()); err != nil {
		m.log.Error().Err(err).Msg("reset room stats failed")
	}
	m.buffer.ResetRoom(m.RoomID())

	m.mu.Lock()
	m.lastPush = now
	m.mu.Unlock()

	before := m.audienceSnapshot(ctx)
	if _, err := m.store.CreateSession(ctx, m.RoomID(), start, before); err != nil {
		m.log.Error().Err(err).Msg("create session failed")
	}

	title := ""
	if info, err := m.api.RoomInfoV2(ctx, m.RoomID()); err == nil {
		title = info.Title
	}
	ev := notify.LiveStart{
		UID:    m.cfg.UID,
		RoomID: m.RoomID(),
		Uname:  m.Uname(),
		Title:  title,
		URL:    fmt.Sprintf("https://live.bilibili.com/%d", m.RoomID()),
	}
	if err := m.notifier.LiveStarted(ctx, ev); err != nil {
		m.log.Error().Err(err).Msg("live-start notification failed")
	}
}

// onPreparing closes the current session. Serialized so concurrently
// dispatched PREPARING events cannot both pass the status check; the loser
// of the lock sees the persisted offline status and returns.
func (m *RoomMonitor) onPreparing() {
	ctx, cancel := m.opCtx()
	defer cancel()

	m.liveMu.Lock()
	defer m.liveMu.Unlock()

	status, err := m.store.LiveStatus(ctx, m.RoomID())
	if err != nil {
		m.log.Error().Err(err).Msg("live status lookup failed")
		return
	}
	if status != domain.StatusLive {
		return
	}
	m.isLive.Store(false)

	m.log.Info().Str("uname", m.Uname()).Msg("live ended")

	end := m.now()
	if err := m.store.SetLiveStatus(ctx, m.RoomID(), domain.StatusOffline); err != nil {
		m.log.Error().Err(err).Msg("persist offline status failed")
	}
	if err := m.store.SetLiveEndTime(ctx, m.RoomID(), end); err != nil {
		m.log.Error().Err(err).Msg("persist live end time failed")
	}

	after := m.audienceSnapshot(ctx)
	if err := m.store.EndSession(ctx, m.RoomID(), end, after); err != nil {
		m.log.Error().Err(err).Msg("end session failed")
	}

	report, err := m.Report(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("session report failed")
	}
	ev := notify.LiveEnd{
		UID:    m.cfg.UID,
		RoomID: m.RoomID(),
		Uname:  m.Uname(),
		Report: report,
	}
	if err := m.notifier.LiveEnded(ctx, ev); err != nil {
		m.log.Error().Err(err).Msg("live-end notification failed")
	}
}

// audienceSnapshot fetches follower, fan-medal and membership counts.
// Each count degrades to -1 independently when its endpoint fails.
func (m *RoomMonitor) audienceSnapshot(ctx context.Context) domain.AudienceSnapshot {
	snap := domain.AudienceSnapshot{Fans: -1, FansMedal: -1, Guards: -1}
	if info, err := m.api.RoomInfoV2(ctx, m.RoomID()); err == nil {
		snap.Fans = info.Attention
	} else {
		m.log.Warn().Err(err).Msg("follower count fetch failed")
	}
	if n, err := m.api.FansMedalCount(ctx, m.cfg.UID); err == nil {
		snap.FansMedal = n
	} else {
		m.log.Warn().Err(err).Msg("fan medal count fetch failed")
	}
	if n, err := m.api.GuardCount(ctx, m.RoomID(), m.cfg.UID); err == nil {
		snap.Guards = n
	} else {
		m.log.Warn().Err(err).Msg("guard count fetch failed")
	}
	return snap
}

func (m *RoomMonitor) onDanmu(ev domain.Event) {
	uid, content, ok := ev.Danmu()
	if !ok {
		return
	}
	m.buffer.IncrDanmu(m.RoomID(), uid, content)
}

// round1 keeps one decimal, matching how revenue is displayed upstream.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func (m *RoomMonitor) onGift(ev domain.Event) {
	g, ok := ev.Gift()
	if !ok {
		return
	}

	profit := round1(float64(g.DiscountPrice) / 1000 * float64(g.Num))
	if g.GiftID == luckyKeyGiftID {
		profit *= 0.01
	}
	// free gifts carry no coin value and are not revenue
	if g.TotalCoin != 0 && g.DiscountPrice != 0 {
		m.buffer.IncrGift(m.RoomID(), g.UID, profit)
	}

	if g.IsBlindBox() {
		paid := float64(g.TotalCoin) / 1000
		revealed := float64(g.DiscountPrice) / 1000 * float64(g.Num)
		m.buffer.IncrBox(m.RoomID(), g.UID, g.Num, round1(revealed-paid))
	}
}

func (m *RoomMonitor) onSuperChat(ev domain.Event) {
	sc, ok := ev.SuperChat()
	if !ok {
		return
	}
	m.buffer.IncrSC(m.RoomID(), sc.UID, sc.Price)
}

func (m *RoomMonitor) onGuardBuy(ev domain.Event) {
	g, ok := ev.GuardBuy()
	if !ok {
		return
	}
	months := g.Num
	if months <= 0 {
		months = 1
	}
	m.buffer.IncrGuard(m.RoomID(), g.UID, domain.TierOf(g.GiftName), months)
}
