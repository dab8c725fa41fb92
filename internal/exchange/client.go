package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

const (
	baseURL        = "https://api.bybit.com"
	recvWindowMS   = "5000"
	categoryLinear = "linear"
)

// Client — Bybit v5 REST. Используется на preflight и как fallback после
// критического окна; внутри окна к нему не обращаемся (кроме REST-only
// режима канала ордеров).
type Client struct {
	http      *http.Client
	log       *logger.Logger
	apiKey    string
	apiSecret string
}

func NewClient(apiKey, apiSecret string, log *logger.Logger) *Client {
	return &Client{
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log,
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

// NormalizeSymbol — CVC -> CVCUSDT. Только linear USDT perpetual.
func NormalizeSymbol(coin string) string {
	c := strings.ToUpper(strings.TrimSpace(coin))
	if strings.HasSuffix(c, "USDT") {
		return c
	}
	return c + "USDT"
}

func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// getPublic — публичный GET без подписи.
func (c *Client) getPublic(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	return c.do(req, out)
}

// getPrivate — GET с подписью v5: HMAC(ts + key + recvWindow + query).
func (c *Client) getPrivate(ctx context.Context, path string, params url.Values, out interface{}) error {
	query := params.Encode()
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path+"?"+query, nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	c.setAuthHeaders(req, ts, query)
	return c.do(req, out)
}

// postPrivate — POST с подписью v5: HMAC(ts + key + recvWindow + body).
func (c *Client) postPrivate(ctx context.Context, path string, body []byte, out interface{}) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req, ts, string(body))
	return c.do(req, out)
}

func (c *Client) setAuthHeaders(req *http.Request, ts, payload string) {
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindowMS)
	req.Header.Set("X-BAPI-SIGN", c.sign(ts+c.apiKey+recvWindowMS+payload))
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "http do")
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("http %d: %s", resp.StatusCode, truncate(rb, 300))
	}
	if err := json.Unmarshal(rb, out); err != nil {
		return errors.Wrapf(err, "decode body %s", truncate(rb, 300))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
