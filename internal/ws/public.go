package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/Sogdian/arbitragePerp/internal/models"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

// PublicStream — orderbook.1 + publicTrade + tickers одного символа.
// Держит один атомарно подменяемый снапшот; чтение неблокирующее.
type PublicStream struct {
	symbol string
	url    string
	log    *logger.Logger

	conn conn
	snap atomic.Pointer[models.BookSnapshot]

	seenBid  atomic.Bool
	seenAsk  atomic.Bool
	lastMsg  atomic.Int64 // unix ms последнего сообщения любого типа
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPublicStream(symbol string, log *logger.Logger) *PublicStream {
	s := &PublicStream{
		symbol: symbol,
		url:    PublicURL,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.snap.Store(&models.BookSnapshot{})
	return s
}

// Start подключается, подписывается и запускает reader.
func (s *PublicStream) Start(ctx context.Context) error {
	c, err := dial(s.url)
	if err != nil {
		return errors.Wrap(err, "public ws dial")
	}
	s.conn = c

	topics := []string{
		"orderbook.1." + s.symbol,
		"publicTrade." + s.symbol,
		"tickers." + s.symbol,
	}
	if err := writeJSON(c, map[string]interface{}{"op": "subscribe", "args": topics}); err != nil {
		_ = c.Close()
		return errors.Wrap(err, "public ws subscribe")
	}
	s.log.Info("[WS public] подписка %s: %v", s.symbol, topics)

	go pingLoop(c, s.stop)
	go s.readLoop()
	return nil
}

// Ready — получены хотя бы один bid и один ask.
func (s *PublicStream) Ready() bool { return s.seenBid.Load() && s.seenAsk.Load() }

// Snapshot возвращает последний снапшот и его свежесть в миллисекундах.
func (s *PublicStream) Snapshot() (models.BookSnapshot, int64) {
	snap := *s.snap.Load()
	if snap.ReceivedAt.IsZero() {
		return snap, 1 << 30
	}
	return snap, time.Since(snap.ReceivedAt).Milliseconds()
}

// StalenessMS — миллисекунды с последнего сообщения любого типа.
func (s *PublicStream) StalenessMS() int64 {
	last := s.lastMsg.Load()
	if last == 0 {
		return 1 << 30
	}
	return time.Now().UnixMilli() - last
}

// Stop идемпотентен.
func (s *PublicStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *PublicStream) readLoop() {
	defer close(s.done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.log.Warn("[WS public] чтение %s: %v", s.symbol, err)
			}
			return
		}
		s.lastMsg.Store(time.Now().UnixMilli())
		s.handle(raw)
	}
}

type publicFrame struct {
	Topic   string          `json:"topic"`
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func (s *PublicStream) handle(raw []byte) {
	var frame publicFrame
	if err := sonic.Unmarshal(raw, &frame); err != nil {
		return
	}
	switch {
	case frame.Topic == "":
		// ack подписки / pong
	case frame.Topic == "orderbook.1."+s.symbol:
		s.handleOrderbook(frame.Data)
	case frame.Topic == "publicTrade."+s.symbol:
		s.handleTrade(frame.Data)
	case frame.Topic == "tickers."+s.symbol:
		s.handleTicker(frame.Data)
	}
}

func (s *PublicStream) handleOrderbook(data []byte) {
	var book struct {
		B [][]string `json:"b"`
		A [][]string `json:"a"`
	}
	if err := sonic.Unmarshal(data, &book); err != nil {
		return
	}
	next := *s.snap.Load()
	if len(book.B) > 0 && len(book.B[0]) > 0 {
		if px, err := strconv.ParseFloat(book.B[0][0], 64); err == nil && px > 0 {
			next.BestBid = px
			s.seenBid.Store(true)
		}
	}
	if len(book.A) > 0 && len(book.A[0]) > 0 {
		if px, err := strconv.ParseFloat(book.A[0][0], 64); err == nil && px > 0 {
			next.BestAsk = px
			s.seenAsk.Store(true)
		}
	}
	next.ReceivedAt = time.Now()
	s.snap.Store(&next)
}

func (s *PublicStream) handleTrade(data []byte) {
	var trades []struct {
		P string `json:"p"`
	}
	if err := sonic.Unmarshal(data, &trades); err != nil {
		return
	}
	last := 0.0
	for _, t := range trades {
		if px, err := strconv.ParseFloat(t.P, 64); err == nil && px > 0 {
			last = px
		}
	}
	if last <= 0 {
		return
	}
	next := *s.snap.Load()
	next.LastTrade = last
	next.ReceivedAt = time.Now()
	s.snap.Store(&next)
}

func (s *PublicStream) handleTicker(data []byte) {
	// tickers шлёт дельты: пустые поля пропускаем
	var t struct {
		LastPrice   string `json:"lastPrice"`
		FundingRate string `json:"fundingRate"`
	}
	if err := sonic.Unmarshal(data, &t); err != nil {
		return
	}
	next := *s.snap.Load()
	changed := false
	if px, err := strconv.ParseFloat(t.LastPrice, 64); err == nil && px > 0 {
		next.LastTicker = px
		changed = true
	}
	if fr, err := strconv.ParseFloat(t.FundingRate, 64); err == nil && t.FundingRate != "" {
		next.FundingRate = fr
		changed = true
	}
	if !changed {
		return
	}
	next.ReceivedAt = time.Now()
	s.snap.Store(&next)
}

// WaitReady ждёт первых bid/ask не дольше timeout.
func (s *PublicStream) WaitReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Ready() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return s.Ready()
}
