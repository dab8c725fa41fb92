package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/Sogdian/arbitragePerp/internal/models"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

// scriptedConn отвечает на каждый order.create заранее заданным ack,
// прокидывая его обратно через handle (как это делает reader loop).
type scriptedConn struct {
	mu      sync.Mutex
	t       *TradeStream
	acks    []string // шаблоны с %s на месте reqId
	sent    []map[string]interface{}
	silence bool // не отвечать вовсе
}

func (c *scriptedConn) WriteMessage(messageType int, data []byte) error {
	var msg map[string]interface{}
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	var ack string
	if !c.silence && len(c.acks) > 0 {
		ack = c.acks[0]
		c.acks = c.acks[1:]
	}
	c.mu.Unlock()

	if ack != "" {
		reqID, _ := msg["reqId"].(string)
		go c.t.handle([]byte(fmt.Sprintf(ack, reqID)))
	}
	return nil
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) { select {} }
func (c *scriptedConn) Close() error                      { return nil }

func (c *scriptedConn) orders() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, len(c.sent))
	copy(out, c.sent)
	return out
}

func newTestTrade(acks []string, silence bool) (*TradeStream, *scriptedConn) {
	t := NewTradeStream("k", "s", logger.Nop())
	c := &scriptedConn{t: t, acks: acks, silence: silence}
	t.conn = c
	return t, c
}

func draft() models.OrderDraft {
	return models.OrderDraft{
		Symbol:      "LPTUSDT",
		Side:        models.Sell,
		Qty:         "10.00",
		Price:       "4.9987",
		PositionIdx: 0,
	}
}

func TestCreateOrderOK(t *testing.T) {
	ts, _ := newTestTrade([]string{
		`{"reqId":"%s","retCode":0,"retMsg":"OK","op":"order.create","data":{"orderId":"oid-1"}}`,
	}, false)
	id, err := ts.CreateOrder(context.Background(), draft(), 1700000000000, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if id != "oid-1" {
		t.Errorf("orderId = %q, want oid-1", id)
	}
}

// Несоответствие positionIdx: ровно один повтор с противоположным индексом.
func TestCreateOrderRetriesFlippedPositionIdx(t *testing.T) {
	ts, c := newTestTrade([]string{
		`{"reqId":"%s","retCode":10001,"retMsg":"position idx not match position mode","op":"order.create"}`,
		`{"reqId":"%s","retCode":0,"retMsg":"OK","op":"order.create","data":{"orderId":"oid-2"}}`,
	}, false)
	id, err := ts.CreateOrder(context.Background(), draft(), 1700000000000, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if id != "oid-2" {
		t.Errorf("orderId = %q, want oid-2", id)
	}

	sent := c.orders()
	if len(sent) != 2 {
		t.Fatalf("sent %d requests, want 2", len(sent))
	}
	first := sent[0]["args"].([]interface{})[0].(map[string]interface{})
	second := sent[1]["args"].([]interface{})[0].(map[string]interface{})
	if first["positionIdx"].(float64) != 0 || second["positionIdx"].(float64) != 2 {
		t.Errorf("positionIdx sequence = %v, %v; want 0 then 2", first["positionIdx"], second["positionIdx"])
	}
}

// Прочие ошибки отдаются как есть, без повторов.
func TestCreateOrderOtherErrorVerbatim(t *testing.T) {
	ts, c := newTestTrade([]string{
		`{"reqId":"%s","retCode":110007,"retMsg":"insufficient available balance","op":"order.create"}`,
	}, false)
	_, err := ts.CreateOrder(context.Background(), draft(), 1700000000000, 500*time.Millisecond)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(c.orders()) != 1 {
		t.Errorf("sent %d requests, want 1 (no retry)", len(c.orders()))
	}
}

func TestCreateOrderAckTimeout(t *testing.T) {
	ts, _ := newTestTrade(nil, true)
	start := time.Now()
	_, err := ts.CreateOrder(context.Background(), draft(), 1700000000000, 50*time.Millisecond)
	if err != ErrAckTimeout {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Error("timeout must be a hard local deadline")
	}
}

func TestTradeStopIdempotent(t *testing.T) {
	ts, _ := newTestTrade(nil, true)
	done := make(chan struct{})
	go func() {
		_, err := ts.CreateOrder(context.Background(), draft(), 1700000000000, time.Second)
		if err != ErrStopped {
			t.Errorf("err = %v, want ErrStopped", err)
		}
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	ts.Stop()
	ts.Stop()
	<-done
}
