package ws

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/Sogdian/arbitragePerp/internal/models"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

// ErrWaitTimeout — терминальный статус не пришёл за отведённое время.
// Не означает, что ордер не исполнился.
var ErrWaitTimeout = errors.New("private ws: wait final timeout")

// ErrStopped — стрим остановлен, ожидания разобраны с этим результатом.
var ErrStopped = errors.New("private ws: stopped")

const execRingCap = 4096

type posKey struct {
	symbol string
	posIdx int
	side   models.Side // сторона ордера, который гасит позицию
}

type posEntry struct {
	qty float64
	seq int64
}

// PrivateStream — авторизованный стрим order/execution/position.
// Кэши под одним коротким мьютексом; ожидания терминальных статусов
// выполняются в порядке прихода событий.
type PrivateStream struct {
	apiKey    string
	apiSecret string
	url       string
	log       *logger.Logger

	conn conn

	mu      sync.Mutex
	finals  map[string]models.OrderFinal
	waiters map[string][]chan models.OrderFinal
	// Кэш позиций ключуется стороной, которая гасит позицию: шорт лежит
	// под Buy. События Bybit несут сторону самой позиции — переводим на
	// записи (см. applyPosition).
	positions map[posKey]posEntry
	posSeq    map[string]int64 // symbol+idx -> последний seq
	execs     []models.ExecutionRecord
	execHead  int
	execFull  bool

	authed   chan struct{}
	authErr  error
	lastMsg  atomic.Int64
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPrivateStream(apiKey, apiSecret string, log *logger.Logger) *PrivateStream {
	return &PrivateStream{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		url:       PrivateURL,
		log:       log,
		finals:    make(map[string]models.OrderFinal),
		waiters:   make(map[string][]chan models.OrderFinal),
		positions: make(map[posKey]posEntry),
		posSeq:    make(map[string]int64),
		execs:     make([]models.ExecutionRecord, 0, execRingCap),
		authed:    make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start: connect -> auth -> subscribe(order, execution, position).
func (s *PrivateStream) Start(ctx context.Context) error {
	c, err := dial(s.url)
	if err != nil {
		return errors.Wrap(err, "private ws dial")
	}
	s.conn = c
	go s.readLoop()

	if err := writeJSON(c, authRequest(s.apiKey, s.apiSecret)); err != nil {
		s.Stop()
		return errors.Wrap(err, "private ws auth send")
	}
	select {
	case <-s.authed:
		if s.authErr != nil {
			s.Stop()
			return s.authErr
		}
	case <-time.After(authTimeout):
		s.Stop()
		return errors.New("private ws auth timeout")
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}

	topics := []string{"order", "execution", "position"}
	if err := writeJSON(c, map[string]interface{}{"op": "subscribe", "args": topics}); err != nil {
		s.Stop()
		return errors.Wrap(err, "private ws subscribe")
	}
	s.log.Info("[WS private] authed, подписка: %v", topics)

	go pingLoop(c, s.stop)
	return nil
}

// Stop идемпотентен: закрывает сокет и разбирает всех ожидающих.
func (s *PrivateStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Lock()
		for id, chans := range s.waiters {
			for _, ch := range chans {
				close(ch)
			}
			delete(s.waiters, id)
		}
		s.mu.Unlock()
	})
}

// StalenessMS — миллисекунды с последнего сообщения любого типа.
func (s *PrivateStream) StalenessMS() int64 {
	last := s.lastMsg.Load()
	if last == 0 {
		return 1 << 30
	}
	return time.Now().UnixMilli() - last
}

// WaitFinal ждёт терминальный статус ордера. Регистрация атомарна
// относительно прихода события: если терминал уже видели — возврат сразу.
func (s *PrivateStream) WaitFinal(ctx context.Context, orderID string, timeout time.Duration) (models.OrderFinal, error) {
	s.mu.Lock()
	if final, ok := s.finals[orderID]; ok {
		s.mu.Unlock()
		return final, nil
	}
	ch := make(chan models.OrderFinal, 1)
	s.waiters[orderID] = append(s.waiters[orderID], ch)
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case final, ok := <-ch:
		if !ok {
			return models.OrderFinal{}, ErrStopped
		}
		return final, nil
	case <-t.C:
		s.dropWaiter(orderID, ch)
		return models.OrderFinal{}, ErrWaitTimeout
	case <-ctx.Done():
		s.dropWaiter(orderID, ch)
		return models.OrderFinal{}, ctx.Err()
	}
}

func (s *PrivateStream) dropWaiter(orderID string, ch chan models.OrderFinal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[orderID]
	for i, c := range chans {
		if c == ch {
			s.waiters[orderID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[orderID]) == 0 {
		delete(s.waiters, orderID)
	}
}

// PositionSize — чистое чтение кэша. side — сторона гасящего ордера:
// PositionSize(sym, idx, Buy) — остаток шорта. Неизвестный ключ — ok=false,
// это не то же самое, что ноль.
func (s *PrivateStream) PositionSize(symbol string, posIdx int, side models.Side) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.positions[posKey{symbol, posIdx, side}]
	if !ok {
		return 0, false
	}
	return e.qty, true
}

// ExecutionsInWindow — исполнения символа в [startMS, endMS] включительно,
// отсортированные по времени. Пустой список — легитимный ответ.
func (s *PrivateStream) ExecutionsInWindow(symbol string, startMS, endMS int64) []models.ExecutionRecord {
	s.mu.Lock()
	out := make([]models.ExecutionRecord, 0, 16)
	for _, e := range s.execs {
		if e.Symbol == symbol && e.ExecTimeMS >= startMS && e.ExecTimeMS <= endMS {
			out = append(out, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExecTimeMS < out[j].ExecTimeMS })
	return out
}

func (s *PrivateStream) readLoop() {
	defer close(s.done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.log.Warn("[WS private] чтение: %v", err)
			}
			return
		}
		s.lastMsg.Store(time.Now().UnixMilli())
		s.handle(raw)
	}
}

func (s *PrivateStream) handle(raw []byte) {
	var frame struct {
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Topic   string          `json:"topic"`
		Data    json.RawMessage `json:"data"`
	}
	if err := sonic.Unmarshal(raw, &frame); err != nil {
		return
	}

	if frame.Op == "auth" {
		if frame.Success == nil || *frame.Success {
			s.closeAuthed(nil)
		} else {
			s.closeAuthed(errors.Errorf("private ws auth failed: %s", frame.RetMsg))
		}
		return
	}
	if frame.Topic == "" {
		return // ack подписки / pong
	}

	switch frame.Topic {
	case "order":
		s.handleOrder(frame.Data)
	case "execution":
		s.handleExecution(frame.Data)
	case "position":
		s.handlePosition(frame.Data)
	}
}

func (s *PrivateStream) closeAuthed(err error) {
	select {
	case <-s.authed:
	default:
		s.authErr = err
		close(s.authed)
	}
}

func (s *PrivateStream) handleOrder(data []byte) {
	var items []struct {
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := sonic.Unmarshal(data, &items); err != nil {
		return
	}
	for _, it := range items {
		if it.OrderID == "" || !models.IsTerminalOrderStatus(it.OrderStatus) {
			continue
		}
		filled, _ := strconv.ParseFloat(it.CumExecQty, 64)
		avg, _ := strconv.ParseFloat(it.AvgPrice, 64)
		final := models.OrderFinal{
			OrderID:   it.OrderID,
			Status:    it.OrderStatus,
			FilledQty: filled,
			AvgPrice:  avg,
		}

		s.mu.Lock()
		s.finals[final.OrderID] = final
		chans := s.waiters[final.OrderID]
		delete(s.waiters, final.OrderID)
		s.mu.Unlock()

		for _, ch := range chans {
			ch <- final
			close(ch)
		}
	}
}

func (s *PrivateStream) handleExecution(data []byte) {
	var items []struct {
		OrderID   string `json:"orderId"`
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		ExecQty   string `json:"execQty"`
		ExecPrice string `json:"execPrice"`
		ExecTime  string `json:"execTime"`
		ExecFee   string `json:"execFee"`
	}
	if err := sonic.Unmarshal(data, &items); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		qty, _ := strconv.ParseFloat(it.ExecQty, 64)
		px, _ := strconv.ParseFloat(it.ExecPrice, 64)
		ts, _ := strconv.ParseInt(it.ExecTime, 10, 64)
		fee, _ := strconv.ParseFloat(it.ExecFee, 64)
		if qty <= 0 || px <= 0 {
			continue
		}
		s.pushExec(models.ExecutionRecord{
			OrderID:    it.OrderID,
			Symbol:     it.Symbol,
			Side:       models.Side(it.Side),
			Qty:        qty,
			Price:      px,
			ExecTimeMS: ts,
			FeeUSDT:    fee,
		})
	}
}

// pushExec — кольцо на execRingCap записей, вытесняем старейшие.
func (s *PrivateStream) pushExec(rec models.ExecutionRecord) {
	if !s.execFull && len(s.execs) < execRingCap {
		s.execs = append(s.execs, rec)
		if len(s.execs) == execRingCap {
			s.execFull = true
		}
		return
	}
	s.execs[s.execHead] = rec
	s.execHead = (s.execHead + 1) % execRingCap
}

func (s *PrivateStream) handlePosition(data []byte) {
	var items []struct {
		Symbol      string `json:"symbol"`
		PositionIdx int    `json:"positionIdx"`
		Side        string `json:"side"`
		Size        string `json:"size"`
		Seq         int64  `json:"seq"`
	}
	if err := sonic.Unmarshal(data, &items); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		sz, _ := strconv.ParseFloat(it.Size, 64)
		s.applyPosition(it.Symbol, it.PositionIdx, it.Side, sz, it.Seq)
	}
}

// applyPosition переводит событие (сторона позиции) в ключи кэша (сторона
// гасящего ордера) и отбрасывает события, пришедшие не по порядку seq.
func (s *PrivateStream) applyPosition(symbol string, posIdx int, side string, size float64, seq int64) {
	seqKey := symbol + "#" + strconv.Itoa(posIdx)
	if last, ok := s.posSeq[seqKey]; ok && seq < last {
		return
	}
	s.posSeq[seqKey] = seq

	var short, long float64
	switch side {
	case "Sell":
		short = size
	case "Buy":
		long = size
	default:
		// side "" / "None" — позиция плоская
	}
	s.positions[posKey{symbol, posIdx, models.Buy}] = posEntry{qty: short, seq: seq}
	s.positions[posKey{symbol, posIdx, models.Sell}] = posEntry{qty: long, seq: seq}
}
