package coaching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rbright/coachdesk/internal/metrics"
)

func TestDispatchMergesTipAheadOfSeed(t *testing.T) {
	feed := NewFeed(5)
	epoch := feed.Reset(OpeningTip(""))

	var seen atomic.Value
	d := NewDispatcher(nil, GeneratorFunc(func(_ context.Context, text string) (*Tip, error) {
		seen.Store(text)
		tip := NewTip(CategoryRisk, PriorityHigh, "注意核实投保人身份")
		return &tip, nil
	}), feed, DispatcherOptions{})
	defer d.Close()

	d.Dispatch(epoch, "您好 ")
	d.Wait()
	require.Equal(t, "您好 ", seen.Load())

	tips := feed.Tips()
	require.Len(t, tips, 2)
	require.Equal(t, CategoryRisk, tips[0].Category)
	require.Equal(t, PriorityHigh, tips[0].Priority)
	require.Equal(t, OpeningTipID, tips[1].ID)
}

func TestDispatchSixSequentialTipsKeepsFiveMostRecent(t *testing.T) {
	feed := NewFeed(5)
	epoch := feed.Reset(OpeningTip(""))

	d := NewDispatcher(nil, GeneratorFunc(func(_ context.Context, text string) (*Tip, error) {
		return &Tip{ID: text, Category: CategoryInfo, Priority: PriorityNormal, Content: text}, nil
	}), feed, DispatcherOptions{})
	defer d.Close()

	for i := 0; i < 6; i++ {
		d.Dispatch(epoch, fmt.Sprintf("c%d", i))
		d.Wait()
	}

	require.Equal(t, []string{"c5", "c4", "c3", "c2", "c1"}, ids(feed.Tips()))
}

func TestDispatchFeedReflectsCompletionOrder(t *testing.T) {
	feed := NewFeed(5)
	epoch := feed.Reset()

	releaseA := make(chan struct{})
	var merged sync.WaitGroup
	merged.Add(1)
	d := NewDispatcher(nil, GeneratorFunc(func(_ context.Context, text string) (*Tip, error) {
		if text == "A" {
			<-releaseA
		}
		return &Tip{ID: text, Content: text}, nil
	}), feed, DispatcherOptions{OnMerge: func(tip Tip) {
		if tip.ID == "B" {
			merged.Done()
		}
	}})
	defer d.Close()

	d.Dispatch(epoch, "A")
	d.Dispatch(epoch, "B")
	merged.Wait()
	close(releaseA)
	d.Wait()

	require.Equal(t, []string{"A", "B"}, ids(feed.Tips()))
}

func TestDispatchFailureLeavesFeedUnchanged(t *testing.T) {
	feed := NewFeed(5)
	epoch := feed.Reset(OpeningTip(""))
	m := metrics.New("test")

	var calls atomic.Int32
	d := NewDispatcher(nil, GeneratorFunc(func(context.Context, string) (*Tip, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("upstream 500")
		}
		return &Tip{ID: "ok", Content: "继续确认保额"}, nil
	}), feed, DispatcherOptions{Metrics: m})
	defer d.Close()

	d.Dispatch(epoch, "A")
	d.Wait()
	require.Equal(t, []string{OpeningTipID}, ids(feed.Tips()))

	d.Dispatch(epoch, "B")
	d.Wait()
	require.Equal(t, []string{"ok", OpeningTipID}, ids(feed.Tips()))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues(metrics.OutcomeError)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues(metrics.OutcomeTip)))
}

func TestDispatchNilOrBlankTipIsNoop(t *testing.T) {
	feed := NewFeed(5)
	epoch := feed.Reset(OpeningTip(""))

	var merges atomic.Int32
	d := NewDispatcher(nil, GeneratorFunc(func(_ context.Context, text string) (*Tip, error) {
		if text == "blank" {
			return &Tip{Content: "   "}, nil
		}
		return nil, nil
	}), feed, DispatcherOptions{OnMerge: func(Tip) { merges.Add(1) }})
	defer d.Close()

	d.Dispatch(epoch, "nil")
	d.Dispatch(epoch, "blank")
	d.Wait()

	require.Len(t, feed.Tips(), 1)
	require.Zero(t, merges.Load())
}

func TestDispatchIgnoresEmptyChunk(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(nil, GeneratorFunc(func(context.Context, string) (*Tip, error) {
		calls.Add(1)
		return nil, nil
	}), NewFeed(5), DispatcherOptions{})
	defer d.Close()

	d.Dispatch(0, "  ")
	d.Wait()
	require.Zero(t, calls.Load())
}

func TestDispatchStaleEpochDiscarded(t *testing.T) {
	feed := NewFeed(5)
	epoch := feed.Reset(OpeningTip(""))
	m := metrics.New("test")

	release := make(chan struct{})
	d := NewDispatcher(nil, GeneratorFunc(func(context.Context, string) (*Tip, error) {
		<-release
		return &Tip{ID: "late", Content: "late"}, nil
	}), feed, DispatcherOptions{Metrics: m})
	defer d.Close()

	d.Dispatch(epoch, "chunk")
	feed.Reset(OpeningTip(""))
	close(release)
	d.Wait()

	require.Equal(t, []string{OpeningTipID}, ids(feed.Tips()))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues(metrics.OutcomeStale)))
}

func TestDispatchCapsInFlightWithoutDropping(t *testing.T) {
	feed := NewFeed(20)
	epoch := feed.Reset()

	var running, peak, calls atomic.Int32
	d := NewDispatcher(nil, GeneratorFunc(func(_ context.Context, text string) (*Tip, error) {
		calls.Add(1)
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &Tip{ID: text, Content: text}, nil
	}), feed, DispatcherOptions{MaxInFlight: 2})
	defer d.Close()

	for i := 0; i < 8; i++ {
		d.Dispatch(epoch, fmt.Sprintf("c%d", i))
	}
	d.Wait()

	require.Equal(t, int32(8), calls.Load())
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Len(t, feed.Tips(), 8)
}

func TestDispatchAppliesRequestTimeout(t *testing.T) {
	feed := NewFeed(5)
	epoch := feed.Reset()

	d := NewDispatcher(nil, GeneratorFunc(func(ctx context.Context, _ string) (*Tip, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), feed, DispatcherOptions{RequestTimeout: 20 * time.Millisecond})
	defer d.Close()

	d.Dispatch(epoch, "slow")
	d.Wait()
	require.Empty(t, feed.Tips())
}

func TestCloseCancelsOutstandingAndRejectsNewWork(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	d := NewDispatcher(nil, GeneratorFunc(func(ctx context.Context, _ string) (*Tip, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}), NewFeed(5), DispatcherOptions{})

	d.Dispatch(0, "a")
	<-started

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not cancel in-flight dispatch")
	}

	d.Dispatch(0, "b")
	d.Wait()
	require.Equal(t, int32(1), calls.Load())
}
