package clock

import (
	"context"
	"testing"
	"time"
)

type fakeSource struct {
	offset int64
	calls  int
}

func (f *fakeSource) ServerTimeMS(ctx context.Context) (int64, error) {
	f.calls++
	return time.Now().UnixMilli() + f.offset, nil
}

func TestEstimateMedianOffset(t *testing.T) {
	src := &fakeSource{offset: 5000}
	c, err := Estimate(context.Background(), src, 5)
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 5 {
		t.Errorf("probes = %d, want 5", src.calls)
	}
	// допускаем небольшой джиттер планировщика
	if c.OffsetMS() < 4990 || c.OffsetMS() > 5010 {
		t.Errorf("offset = %d, want ~5000", c.OffsetMS())
	}
}

func TestSleepUntilServerMS(t *testing.T) {
	c := FixedOffset(0)
	deadline := time.Now().UnixMilli() + 60
	if err := c.SleepUntilServerMS(context.Background(), deadline); err != nil {
		t.Fatal(err)
	}
	over := time.Now().UnixMilli() - deadline
	if over < 0 {
		t.Errorf("woke up %dms before deadline", -over)
	}
	if over > 25 {
		t.Errorf("overshoot %dms too large", over)
	}
}

func TestSleepUntilPastDeadline(t *testing.T) {
	c := FixedOffset(0)
	start := time.Now()
	if err := c.SleepUntilServerMS(context.Background(), time.Now().UnixMilli()-1000); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Error("past deadline must return immediately")
	}
}

func TestSleepCancelled(t *testing.T) {
	c := FixedOffset(0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := c.SleepUntilServerMS(ctx, time.Now().UnixMilli()+5000)
	if err == nil {
		t.Fatal("expected context error")
	}
}
