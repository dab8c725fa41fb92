package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Sogdian/arbitragePerp/internal/models"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

// ErrAckTimeout — ack не пришёл за локальный дедлайн. Заявка при этом
// могла быть принята биржей: вызывающий обязан идти в сверку, а не
// считать, что позиции нет.
var ErrAckTimeout = errors.New("trade ws: ack timeout")

type tradeAck struct {
	retCode int
	retMsg  string
	orderID string
}

// TradeStream — канал order.create с корреляцией ответов по reqId.
type TradeStream struct {
	apiKey       string
	apiSecret    string
	url          string
	referer      string
	recvWindowMS int
	log          *logger.Logger

	conn conn

	mu      sync.Mutex
	pending map[string]chan tradeAck

	authed   chan struct{}
	authErr  error
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewTradeStream(apiKey, apiSecret string, log *logger.Logger) *TradeStream {
	return &TradeStream{
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		url:          TradeURL,
		referer:      "arb-bot",
		recvWindowMS: 8000,
		log:          log,
		pending:      make(map[string]chan tradeAck),
		authed:       make(chan struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (t *TradeStream) Start(ctx context.Context) error {
	c, err := dial(t.url)
	if err != nil {
		return errors.Wrap(err, "trade ws dial")
	}
	t.conn = c
	go t.readLoop()

	if err := writeJSON(c, authRequest(t.apiKey, t.apiSecret)); err != nil {
		t.Stop()
		return errors.Wrap(err, "trade ws auth send")
	}
	select {
	case <-t.authed:
		if t.authErr != nil {
			t.Stop()
			return t.authErr
		}
	case <-time.After(authTimeout):
		t.Stop()
		return errors.New("trade ws auth timeout")
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
	t.log.Info("[WS trade] authenticated")

	go pingLoop(c, t.stop)
	return nil
}

// Stop идемпотентен; все ожидающие получают обрыв.
func (t *TradeStream) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.mu.Lock()
		for id, ch := range t.pending {
			close(ch)
			delete(t.pending, id)
		}
		t.mu.Unlock()
	})
}

// CreateOrder отправляет order.create и ждёт ack не дольше timeout.
// На retCode "position idx not match position mode" повторяет ровно один
// раз с противоположным positionIdx; остальные ошибки отдаёт как есть.
func (t *TradeStream) CreateOrder(ctx context.Context, draft models.OrderDraft, serverTSMS int64, timeout time.Duration) (string, error) {
	orderID, code, msg, err := t.createOnce(ctx, draft, serverTSMS, timeout)
	if err == nil {
		return orderID, nil
	}
	if models.IsPositionIdxMismatch(code, msg) {
		draft.PositionIdx = models.FlipPositionIdx(draft.PositionIdx)
		t.log.Warn("[WS trade] positionIdx не подошёл (%s), повтор с idx=%d", msg, draft.PositionIdx)
		orderID, _, _, err = t.createOnce(ctx, draft, serverTSMS, timeout)
		if err == nil {
			return orderID, nil
		}
	}
	return "", err
}

func (t *TradeStream) createOnce(ctx context.Context, draft models.OrderDraft, serverTSMS int64, timeout time.Duration) (orderID string, retCode int, retMsg string, err error) {
	args := map[string]interface{}{
		"category":    "linear",
		"symbol":      draft.Symbol,
		"side":        string(draft.Side),
		"orderType":   "Limit",
		"qty":         draft.Qty,
		"price":       draft.Price,
		"timeInForce": "IOC",
		"positionIdx": draft.PositionIdx,
	}
	if draft.ReduceOnly {
		args["reduceOnly"] = true
	}

	reqID := uuid.NewString()
	msg := map[string]interface{}{
		"reqId": reqID,
		"header": map[string]string{
			"X-BAPI-TIMESTAMP":   strconv.FormatInt(serverTSMS, 10),
			"X-BAPI-RECV-WINDOW": strconv.Itoa(t.recvWindowMS),
			"Referer":            t.referer,
		},
		"op":   "order.create",
		"args": []interface{}{args},
	}

	ch := make(chan tradeAck, 1)
	t.mu.Lock()
	t.pending[reqID] = ch
	t.mu.Unlock()

	if err := writeJSON(t.conn, msg); err != nil {
		t.dropPending(reqID)
		return "", 0, "", errors.Wrap(err, "order.create send")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return "", 0, "", ErrStopped
		}
		if ack.retCode != 0 {
			return "", ack.retCode, ack.retMsg,
				errors.Errorf("order.create: retCode=%d retMsg=%s", ack.retCode, ack.retMsg)
		}
		return ack.orderID, 0, "", nil
	case <-timer.C:
		t.dropPending(reqID)
		return "", 0, "", ErrAckTimeout
	case <-ctx.Done():
		t.dropPending(reqID)
		return "", 0, "", ctx.Err()
	}
}

func (t *TradeStream) dropPending(reqID string) {
	t.mu.Lock()
	delete(t.pending, reqID)
	t.mu.Unlock()
}

func (t *TradeStream) readLoop() {
	defer close(t.done)
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stop:
			default:
				t.log.Warn("[WS trade] чтение: %v", err)
			}
			return
		}
		t.handle(raw)
	}
}

func (t *TradeStream) handle(raw []byte) {
	var frame struct {
		Op      string          `json:"op"`
		ReqID   string          `json:"reqId"`
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Data    json.RawMessage `json:"data"`
	}
	if err := sonic.Unmarshal(raw, &frame); err != nil {
		return
	}

	if frame.Op == "auth" {
		if frame.RetCode == 0 {
			t.closeAuthed(nil)
		} else {
			t.closeAuthed(errors.Errorf("trade ws auth failed: retCode=%d retMsg=%s", frame.RetCode, frame.RetMsg))
		}
		return
	}
	if frame.ReqID == "" {
		return // pong и служебные
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	if len(frame.Data) > 0 {
		_ = sonic.Unmarshal(frame.Data, &data)
	}

	t.mu.Lock()
	ch, ok := t.pending[frame.ReqID]
	if ok {
		delete(t.pending, frame.ReqID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	ch <- tradeAck{retCode: frame.RetCode, retMsg: frame.RetMsg, orderID: data.OrderID}
	close(ch)
}

func (t *TradeStream) closeAuthed(err error) {
	select {
	case <-t.authed:
	default:
		t.authErr = err
		close(t.authed)
	}
}
