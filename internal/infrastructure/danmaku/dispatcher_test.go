package danmaku

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bilive-monitor/internal/domain"
)

func TestDispatchFansOutToAllHandlers(t *testing.T) {
	log := zerolog.Nop()
	d := NewDispatcher(&log)

	var wg sync.WaitGroup
	wg.Add(2)
	var mu sync.Mutex
	var got []string
	d.On(domain.KindDanmu, func(ev domain.Event) {
		mu.Lock()
		got = append(got, "first:"+ev.Cmd)
		mu.Unlock()
		wg.Done()
	})
	d.On(domain.KindDanmu, func(ev domain.Event) {
		mu.Lock()
		got = append(got, "second:"+ev.Cmd)
		mu.Unlock()
		wg.Done()
	})

	d.Dispatch(domain.Event{Kind: domain.KindDanmu, Cmd: "DANMU_MSG"})
	wg.Wait()

	if len(got) != 2 {
		t.Fatalf("handlers fired %d times, want 2", len(got))
	}
}

func TestDispatchIgnoresUnregisteredKinds(t *testing.T) {
	log := zerolog.Nop()
	d := NewDispatcher(&log)
	d.On(domain.KindGift, func(domain.Event) { t.Error("gift handler fired for danmu event") })

	d.Dispatch(domain.Event{Kind: domain.KindDanmu, Cmd: "DANMU_MSG"})
	d.Dispatch(domain.Event{Kind: domain.KindUnknown, Cmd: "WATCHED_CHANGE"})
	time.Sleep(20 * time.Millisecond)
}

func TestPanickingHandlerDoesNotKillSiblings(t *testing.T) {
	log := zerolog.Nop()
	d := NewDispatcher(&log)

	fired := make(chan struct{})
	d.On(domain.KindLive, func(domain.Event) { panic("boom") })
	d.On(domain.KindLive, func(domain.Event) { close(fired) })

	d.Dispatch(domain.Event{Kind: domain.KindLive, Cmd: "LIVE"})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("sibling handler never fired")
	}
}

func TestUnknownKindCannotBeRegistered(t *testing.T) {
	log := zerolog.Nop()
	d := NewDispatcher(&log)
	d.On(domain.KindUnknown, func(domain.Event) { t.Error("unknown-kind handler fired") })
	d.Dispatch(domain.Event{Kind: domain.KindUnknown})
	time.Sleep(20 * time.Millisecond)
}
