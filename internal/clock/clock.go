package clock

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// TimeSource — эндпоинт server time биржи (/v5/market/time).
type TimeSource interface {
	ServerTimeMS(ctx context.Context) (int64, error)
}

// ServerClock — зафиксированный сдвиг server_ms = local_ms + offset_ms.
// Оценивается один раз на запуск: на горизонте минут дрейф меньше джиттера
// планировщика (см. DESIGN.md).
type ServerClock struct {
	offsetMS int64
}

// Estimate делает probes замеров и берёт медиану server_ms - (send+recv)/2.
func Estimate(ctx context.Context, src TimeSource, probes int) (*ServerClock, error) {
	if probes < 1 {
		probes = 1
	}
	if probes > 9 {
		probes = 9
	}
	offsets := make([]int64, 0, probes)
	for i := 0; i < probes; i++ {
		t0 := time.Now().UnixMilli()
		srv, err := src.ServerTimeMS(ctx)
		t1 := time.Now().UnixMilli()
		if err != nil {
			continue
		}
		offsets = append(offsets, srv-(t0+t1)/2)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	if len(offsets) == 0 {
		return nil, errors.New("clock: no successful server time probes")
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return &ServerClock{offsetMS: offsets[len(offsets)/2]}, nil
}

// FixedOffset — часы с заданным сдвигом, без замеров (для тестов).
func FixedOffset(offsetMS int64) *ServerClock { return &ServerClock{offsetMS: offsetMS} }

func (c *ServerClock) OffsetMS() int64 { return c.offsetMS }

func (c *ServerClock) NowServerMS() int64 { return time.Now().UnixMilli() + c.offsetMS }

// SleepUntilServerMS — уснуть до server-time дедлайна. Сон ступенчатый:
// крупные куски через таймер, хвост <=25ms добираем короткими сонами,
// чтобы уложиться в джиттер ~2ms.
func (c *ServerClock) SleepUntilServerMS(ctx context.Context, deadlineServerMS int64) error {
	localDeadline := deadlineServerMS - c.offsetMS
	for {
		delta := localDeadline - time.Now().UnixMilli()
		if delta <= 0 {
			return nil
		}

		var chunk time.Duration
		switch {
		case delta > 1500:
			chunk = time.Duration(delta-800) * time.Millisecond
		case delta > 300:
			chunk = time.Duration(delta-160) * time.Millisecond
		case delta > 80:
			chunk = time.Duration(delta-40) * time.Millisecond
		case delta > 25:
			chunk = time.Duration(delta) * time.Millisecond / 2
		default:
			// хвост
			target := time.UnixMilli(localDeadline)
			for time.Now().Before(target) {
				if err := ctx.Err(); err != nil {
					return err
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		}

		t := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
