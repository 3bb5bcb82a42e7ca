package bili

import (
	"context"
	"crypto/md5"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mixin shuffle table for deriving the signing key from img_key + sub_key.
var mixinKeyTab = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35, 27, 43, 5, 49,
	33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13, 37, 48, 7, 16, 24, 55, 40,
	61, 26, 17, 0, 1, 60, 51, 30, 4, 22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11,
	36, 20, 34, 44, 52,
}

const wbiKeyTTL = time.Hour

// wbiSigner signs request parameters with the rotating wbi keys published on
// the nav endpoint. Keys are cached for an hour.
type wbiSigner struct {
	client *Client

	mu       sync.Mutex
	mixinKey string
	fetched  time.Time
	now      func() time.Time
}

func newWBISigner(c *Client) *wbiSigner {
	return &wbiSigner{client: c, now: time.Now}
}

func mixinKey(imgKey, subKey string) string {
	raw := imgKey + subKey
	var b strings.Builder
	b.Grow(32)
	for _, i := range mixinKeyTab[:32] {
		if i < len(raw) {
			b.WriteByte(raw[i])
		}
	}
	return b.String()
}

// keyFromURL extracts the key from a wbi image URL, e.g.
// ".../wbi/7cd08494....png" -> "7cd08494...".
func keyFromURL(u string) string {
	base := u[strings.LastIndexByte(u, '/')+1:]
	if dot := strings.IndexByte(base, '.'); dot >= 0 {
		base = base[:dot]
	}
	return base
}

func (w *wbiSigner) key(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mixinKey != "" && w.now().Sub(w.fetched) < wbiKeyTTL {
		return w.mixinKey, nil
	}
	nav, err := w.client.nav(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch wbi keys: %w", err)
	}
	img := keyFromURL(nav.WbiImg.ImgURL)
	sub := keyFromURL(nav.WbiImg.SubURL)
	if img == "" || sub == "" {
		return "", fmt.Errorf("fetch wbi keys: empty key in nav response")
	}
	w.mixinKey = mixinKey(img, sub)
	w.fetched = w.now()
	return w.mixinKey, nil
}

// Sign adds wts and w_rid to a copy of params.
func (w *wbiSigner) Sign(ctx context.Context, params url.Values) (url.Values, error) {
	key, err := w.key(ctx)
	if err != nil {
		return nil, err
	}
	return signWith(params, key, w.now().Unix()), nil
}

// signWith is the pure signing step: sort parameters, strip the reserved
// characters !'()* from values, md5 the query string plus the mixin key.
func signWith(params url.Values, mixinKey string, wts int64) url.Values {
	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, stripReserved(v))
		}
	}
	signed.Set("wts", fmt.Sprint(wts))

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var query strings.Builder
	for i, k := range keys {
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(url.QueryEscape(k))
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(signed.Get(k)))
	}
	sum := md5.Sum([]byte(query.String() + mixinKey))
	signed.Set("w_rid", fmt.Sprintf("%x", sum))
	return signed
}

func stripReserved(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '!', '\'', '(', ')', '*':
			return -1
		}
		return r
	}, s)
}
