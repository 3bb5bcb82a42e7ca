package bili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	liveAPIBase = "https://api.live.bilibili.com"
	mainAPIBase = "https://api.bilibili.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	referer   = "https://live.bilibili.com/"
)

// Credential carries the cookie-based login state. Zero value is an
// anonymous session, which most read endpoints accept.
type Credential struct {
	SESSDATA string
	BiliJCT  string
	Buvid3   string
}

func (c Credential) cookies() []*http.Cookie {
	var cs []*http.Cookie
	if c.SESSDATA != "" {
		cs = append(cs, &http.Cookie{Name: "SESSDATA", Value: c.SESSDATA})
	}
	if c.BiliJCT != "" {
		cs = append(cs, &http.Cookie{Name: "bili_jct", Value: c.BiliJCT})
	}
	if c.Buvid3 != "" {
		cs = append(cs, &http.Cookie{Name: "buvid3", Value: c.Buvid3})
	}
	return cs
}

// APIError is a non-zero business code in an otherwise successful response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bili api error %d: %s", e.Code, e.Message)
}

// Client talks to the Bilibili live/web APIs. Base URLs are fields so tests
// can point it at a local server.
type Client struct {
	LiveBase string
	MainBase string

	cred Credential
	http *http.Client
	wbi  *wbiSigner
}

func NewClient(cred Credential) *Client {
	c := &Client{
		LiveBase: liveAPIBase,
		MainBase: mainAPIBase,
		cred:     cred,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
	c.wbi = newWBISigner(c)
	return c
}

// fetch performs a GET against path with params and unwraps the
// {code, message, data} envelope. A non-zero code is returned as *APIError
// alongside whatever data the response carried.
func (c *Client) fetch(ctx context.Context, base, path string, params url.Values) (json.RawMessage, error) {
	u := base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)
	for _, cookie := range c.cred.cookies() {
		req.AddCookie(cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", path, err)
	}
	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("GET %s: decode envelope: %w", path, err)
	}
	if envelope.Code != 0 {
		return envelope.Data, &APIError{Code: envelope.Code, Message: envelope.Message}
	}
	return envelope.Data, nil
}

func (c *Client) get(ctx context.Context, base, path string, params url.Values, out interface{}) error {
	data, err := c.fetch(ctx, base, path, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("GET %s: decode data: %w", path, err)
	}
	return nil
}

// RoomPlayInfo resolves a display room id (short ids included) to the real
// room id plus the streamer uid and current live state.
type RoomPlayInfo struct {
	RoomID     int64 `json:"room_id"`
	UID        int64 `json:"uid"`
	LiveStatus int   `json:"live_status"`
	LiveTime   int64 `json:"live_time"`
}

func (c *Client) RoomPlayInfo(ctx context.Context, roomID int64) (RoomPlayInfo, error) {
	var info RoomPlayInfo
	params := url.Values{"room_id": {fmt.Sprint(roomID)}}
	err := c.get(ctx, c.LiveBase, "/xlive/web-room/v2/index/getRoomPlayInfo", params, &info)
	return info, err
}

// RoomInfo is the classic room endpoint; attention is the follower count.
type RoomInfo struct {
	Attention  int64  `json:"attention"`
	LiveStatus int    `json:"live_status"`
	LiveTime   string `json:"live_time"`
	Title      string `json:"title"`
}

func (c *Client) RoomInfo(ctx context.Context, roomID int64) (RoomInfo, error) {
	var info RoomInfo
	params := url.Values{"room_id": {fmt.Sprint(roomID)}}
	err := c.get(ctx, c.LiveBase, "/room/v1/Room/get_info", params, &info)
	return info, err
}

// RoomInfoV2 is the H5 variant with the nested room_info payload.
type RoomInfoV2 struct {
	RoomID     int64  `json:"room_id"`
	UID        int64  `json:"uid"`
	LiveStatus int    `json:"live_status"`
	Attention  int64  `json:"attention"`
	LiveTime   int64  `json:"live_start_time"`
	Title      string `json:"title"`
}

func (c *Client) RoomInfoV2(ctx context.Context, roomID int64) (RoomInfoV2, error) {
	var data struct {
		RoomInfo RoomInfoV2 `json:"room_info"`
	}
	params := url.Values{"room_id": {fmt.Sprint(roomID)}}
	err := c.get(ctx, c.LiveBase, "/xlive/web-room/v1/index/getH5InfoByRoom", params, &data)
	return data.RoomInfo, err
}

// MasterInfo maps a streamer uid to their room id and display name.
type MasterInfo struct {
	RoomID int64
	Uname  string
}

func (c *Client) MasterInfo(ctx context.Context, uid int64) (MasterInfo, error) {
	var data struct {
		RoomID int64 `json:"room_id"`
		Info   struct {
			UID   int64  `json:"uid"`
			Uname string `json:"uname"`
		} `json:"info"`
	}
	params := url.Values{"uid": {fmt.Sprint(uid)}}
	if err := c.get(ctx, c.LiveBase, "/live_user/v1/Master/info", params, &data); err != nil {
		return MasterInfo{}, err
	}
	return MasterInfo{RoomID: data.RoomID, Uname: data.Info.Uname}, nil
}

// FansMedalCount returns the number of lit fan medals for a streamer.
func (c *Client) FansMedalCount(ctx context.Context, uid int64) (int64, error) {
	var data struct {
		Count int64 `json:"fans_medal_light_count"`
	}
	params := url.Values{
		"target_id": {fmt.Sprint(uid)},
		"page_size": {"1"},
	}
	if err := c.get(ctx, c.LiveBase, "/xlive/app-ucenter/v1/fansMedal/fans", params, &data); err != nil {
		return 0, err
	}
	return data.Count, nil
}

// GuardCount returns the total paid-membership count for a room.
func (c *Client) GuardCount(ctx context.Context, roomID, uid int64) (int64, error) {
	var data struct {
		Info struct {
			Num int64 `json:"num"`
		} `json:"info"`
	}
	params := url.Values{
		"roomid":    {fmt.Sprint(roomID)},
		"ruid":      {fmt.Sprint(uid)},
		"page":      {"1"},
		"page_size": {"1"},
	}
	if err := c.get(ctx, c.LiveBase, "/xlive/app-room/v2/guardTab/topList", params, &data); err != nil {
		return 0, err
	}
	return data.Info.Num, nil
}

// DanmuHost is one entry of the chat-server host list.
type DanmuHost struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WSPort  int    `json:"ws_port"`
	WSSPort int    `json:"wss_port"`
}

// DanmuInfo carries the auth token and the chat-server candidates.
type DanmuInfo struct {
	Token string      `json:"token"`
	Hosts []DanmuHost `json:"host_list"`
}

func (c *Client) DanmuInfo(ctx context.Context, roomID int64) (DanmuInfo, error) {
	params := url.Values{
		"id":   {fmt.Sprint(roomID)},
		"type": {"0"},
	}
	signed, err := c.wbi.Sign(ctx, params)
	if err != nil {
		return DanmuInfo{}, err
	}
	var info DanmuInfo
	err = c.get(ctx, c.LiveBase, "/xlive/web-room/v1/index/getDanmuInfo", signed, &info)
	return info, err
}

// SelfUID returns the uid of the logged-in account, 0 when anonymous.
func (c *Client) SelfUID(ctx context.Context) (int64, error) {
	nav, err := c.nav(ctx)
	if err != nil {
		return 0, err
	}
	return nav.Mid, nil
}

type navData struct {
	Mid    int64 `json:"mid"`
	WbiImg struct {
		ImgURL string `json:"img_url"`
		SubURL string `json:"sub_url"`
	} `json:"wbi_img"`
}

// nav tolerates the anonymous -101 code: the wbi keys are served either way.
func (c *Client) nav(ctx context.Context) (navData, error) {
	raw, err := c.fetch(ctx, c.MainBase, "/x/web-interface/nav", nil)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != -101 || len(raw) == 0 {
			return navData{}, err
		}
	}
	var data navData
	if err := json.Unmarshal(raw, &data); err != nil {
		return navData{}, fmt.Errorf("GET /x/web-interface/nav: decode data: %w", err)
	}
	return data, nil
}
