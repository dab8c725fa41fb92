// Package ws — три дуплексных канала Bybit v5: public market data,
// private account stream и trade (создание ордеров). Переподключение
// внутри торгового окна не делаем: стейл ловит оркестратор.
package ws

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

const (
	PublicURL  = "wss://stream.bybit.com/v5/public/linear"
	PrivateURL = "wss://stream.bybit.com/v5/private"
	TradeURL   = "wss://stream.bybit.com/v5/trade"

	pingInterval = 20 * time.Second
	authTimeout  = 5 * time.Second
)

// conn — минимум от *websocket.Conn, чтобы тесты могли подсунуть фейк.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

func dial(url string) (conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func writeJSON(c conn, v interface{}) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, b)
}

// authRequest — op=auth с подписью HMAC_SHA256(secret, "GET/realtime{expires}").
// Запас по expires — защита от джиттера локальных часов и сети.
func authRequest(apiKey, apiSecret string) map[string]interface{} {
	expires := time.Now().UnixMilli() + 20_000
	payload := "GET/realtime" + strconv.FormatInt(expires, 10)
	h := hmac.New(sha256.New, []byte(apiSecret))
	h.Write([]byte(payload))
	return map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{apiKey, strconv.FormatInt(expires, 10), hex.EncodeToString(h.Sum(nil))},
	}
}

// pingLoop держит соединение живым, пока не закрыт stop.
func pingLoop(c conn, stop <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := writeJSON(c, map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}
