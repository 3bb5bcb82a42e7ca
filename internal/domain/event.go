package domain

import (
	"encoding/json"
	"strings"
)

// EventKind is the closed set of domain events the monitor reacts to.
// Unknown `cmd` strings map to KindUnknown and are ignored by dispatch.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindLive
	KindPreparing
	KindDanmu
	KindGift
	KindSuperChat
	KindGuardBuy
	KindPopularity
	KindConnected
)

var kindByCmd = map[string]EventKind{
	"LIVE":                    KindLive,
	"PREPARING":               KindPreparing,
	"DANMU_MSG":               KindDanmu,
	"SEND_GIFT":               KindGift,
	"SUPER_CHAT_MESSAGE":      KindSuperChat,
	"GUARD_BUY":               KindGuardBuy,
	"POPULARITY":              KindPopularity,
	"VERIFICATION_SUCCESSFUL": KindConnected,
}

// KindOf maps a raw `cmd` string to an EventKind. Suffixed commands such as
// DANMU_MSG:4:0:2:2:2:0 are truncated at the first colon before lookup.
func KindOf(cmd string) EventKind {
	if i := strings.IndexByte(cmd, ':'); i >= 0 {
		cmd = cmd[:i]
	}
	if k, ok := kindByCmd[cmd]; ok {
		return k
	}
	return KindUnknown
}

func (k EventKind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindPreparing:
		return "preparing"
	case KindDanmu:
		return "danmu"
	case KindGift:
		return "gift"
	case KindSuperChat:
		return "super_chat"
	case KindGuardBuy:
		return "guard_buy"
	case KindPopularity:
		return "popularity"
	case KindConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Event is one decoded application-level message. Raw holds the full JSON
// body of the MESSAGE frame; typed accessors below pick out the fields each
// handler needs and tolerate missing or malformed payloads.
type Event struct {
	Kind EventKind
	Cmd  string
	Raw  json.RawMessage
}

type GiftPayload struct {
	UID           int64           `json:"uid"`
	Num           int             `json:"num"`
	DiscountPrice int64           `json:"discount_price"`
	TotalCoin     int64           `json:"total_coin"`
	GiftID        int64           `json:"giftId"`
	GiftName      string          `json:"giftName"`
	BlindGift     json.RawMessage `json:"blind_gift"`
}

// IsBlindBox reports whether the gift was revealed from a blind box.
// The upstream payload sets blind_gift to null for plain gifts.
func (g GiftPayload) IsBlindBox() bool {
	return len(g.BlindGift) > 0 && string(g.BlindGift) != "null"
}

type SuperChatPayload struct {
	UID   int64 `json:"uid"`
	Price int64 `json:"price"`
}

type GuardBuyPayload struct {
	UID      int64  `json:"uid"`
	GiftName string `json:"gift_name"`
	Num      int    `json:"num"`
}

// Gift decodes the `data` object of a SEND_GIFT message.
func (e Event) Gift() (GiftPayload, bool) {
	var msg struct {
		Data GiftPayload `json:"data"`
	}
	if err := json.Unmarshal(e.Raw, &msg); err != nil {
		return GiftPayload{}, false
	}
	return msg.Data, true
}

// SuperChat decodes the `data` object of a SUPER_CHAT_MESSAGE message.
func (e Event) SuperChat() (SuperChatPayload, bool) {
	var msg struct {
		Data SuperChatPayload `json:"data"`
	}
	if err := json.Unmarshal(e.Raw, &msg); err != nil {
		return SuperChatPayload{}, false
	}
	return msg.Data, true
}

// GuardBuy decodes the `data` object of a GUARD_BUY message.
func (e Event) GuardBuy() (GuardBuyPayload, bool) {
	var msg struct {
		Data GuardBuyPayload `json:"data"`
	}
	if err := json.Unmarshal(e.Raw, &msg); err != nil {
		return GuardBuyPayload{}, false
	}
	return msg.Data, true
}

// Danmu extracts sender uid and chat text from the positional `info` array
// of a DANMU_MSG message: info[1] is the text, info[2][0] the sender uid.
func (e Event) Danmu() (uid int64, content string, ok bool) {
	var msg struct {
		Info []json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(e.Raw, &msg); err != nil || len(msg.Info) < 3 {
		return 0, "", false
	}
	if err := json.Unmarshal(msg.Info[1], &content); err != nil {
		return 0, "", false
	}
	var user []json.RawMessage
	if err := json.Unmarshal(msg.Info[2], &user); err != nil || len(user) == 0 {
		return 0, content, true
	}
	// uid decode failure leaves uid 0, which the buffer treats as anonymous
	_ = json.Unmarshal(user[0], &uid)
	return uid, content, true
}

// LiveTime returns the broadcast start timestamp of a LIVE message, or 0
// when the field is absent.
func (e Event) LiveTime() int64 {
	var msg struct {
		LiveTime int64 `json:"live_time"`
	}
	if err := json.Unmarshal(e.Raw, &msg); err != nil {
		return 0
	}
	return msg.LiveTime
}
