package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/coachdesk/internal/coaching"
	"github.com/rbright/coachdesk/internal/fsm"
)

type fakeRecognizer struct {
	startErr   error
	stopErr    error
	startCalls atomic.Int32
	stopCalls  atomic.Int32

	mu       sync.Mutex
	onResult func(Event)
	onError  func(error)
}

func (f *fakeRecognizer) Start(context.Context) error {
	f.startCalls.Add(1)
	return f.startErr
}

func (f *fakeRecognizer) Stop() error {
	f.stopCalls.Add(1)
	return f.stopErr
}

func (f *fakeRecognizer) OnResult(fn func(Event)) {
	f.mu.Lock()
	f.onResult = fn
	f.mu.Unlock()
}

func (f *fakeRecognizer) OnError(fn func(error)) {
	f.mu.Lock()
	f.onError = fn
	f.mu.Unlock()
}

func (f *fakeRecognizer) emit(event Event) {
	f.mu.Lock()
	fn := f.onResult
	f.mu.Unlock()
	fn(event)
}

func (f *fakeRecognizer) fail(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	fn(err)
}

func final(text string) Event {
	return Event{Results: []Result{{Transcript: text, Final: true}}}
}

func tipGenerator(category coaching.Category) coaching.GeneratorFunc {
	return func(_ context.Context, text string) (*coaching.Tip, error) {
		tip := coaching.NewTip(category, coaching.PriorityHigh, "建议: "+strings.TrimSpace(text))
		return &tip, nil
	}
}

func TestControllerUnavailableWithoutRecognizer(t *testing.T) {
	ctrl := NewController(nil, nil, nil, Options{})
	defer ctrl.Close()

	require.False(t, ctrl.Available())
	require.ErrorIs(t, ctrl.Start(context.Background()), ErrCapabilityUnavailable)
	require.ErrorIs(t, ctrl.Stop(), ErrNotListening)

	snap := ctrl.Snapshot()
	require.False(t, snap.Available)
	require.False(t, snap.Listening)
	require.Equal(t, fsm.StateIdle, snap.State)
	require.Equal(t, "语音识别不可用", snap.Status)
}

func TestStartResetsTranscriptAndSeedsFeed(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, tipGenerator(coaching.CategoryInfo), Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	rec.emit(final("第一句"))
	ctrl.Wait()
	require.NoError(t, ctrl.Stop())

	require.NoError(t, ctrl.Start(context.Background()))
	snap := ctrl.Snapshot()
	require.Equal(t, fsm.StateListening, snap.State)
	require.True(t, snap.Listening)
	require.Empty(t, snap.Transcript)
	require.Len(t, snap.Tips, 1)
	require.Equal(t, coaching.OpeningTipID, snap.Tips[0].ID)
	require.Equal(t, coaching.PriorityHigh, snap.Tips[0].Priority)
	require.Equal(t, "实时监控中", snap.Status)
	require.Equal(t, int32(2), rec.startCalls.Load())
}

func TestStartWhileListeningFails(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, nil, Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	require.ErrorIs(t, ctrl.Start(context.Background()), ErrAlreadyListening)
	require.Equal(t, int32(1), rec.startCalls.Load())
}

func TestStartRecognizerFailureMovesToError(t *testing.T) {
	rec := &fakeRecognizer{startErr: errors.New("microphone denied")}
	ctrl := NewController(nil, rec, nil, Options{})
	defer ctrl.Close()

	err := ctrl.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "microphone denied")

	snap := ctrl.Snapshot()
	require.Equal(t, fsm.StateError, snap.State)
	require.Equal(t, "音频错误", snap.Status)
	require.Contains(t, snap.LastError, "microphone denied")
}

func TestFinalizedChunkProducesTipAheadOfSeed(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, tipGenerator(coaching.CategoryRisk), Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	rec.emit(final("您好"))
	ctrl.Wait()

	snap := ctrl.Snapshot()
	require.Equal(t, "您好 ", snap.Transcript)
	require.Len(t, snap.Tips, 2)
	require.Equal(t, coaching.CategoryRisk, snap.Tips[0].Category)
	require.Equal(t, coaching.PriorityHigh, snap.Tips[0].Priority)
	require.Equal(t, coaching.OpeningTipID, snap.Tips[1].ID)
}

func TestInterimResultsNeverMutateTranscript(t *testing.T) {
	rec := &fakeRecognizer{}
	var calls atomic.Int32
	ctrl := NewController(nil, rec, coaching.GeneratorFunc(func(context.Context, string) (*coaching.Tip, error) {
		calls.Add(1)
		return nil, nil
	}), Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	rec.emit(Event{Results: []Result{{Transcript: "您", Final: false}}})
	rec.emit(Event{Results: []Result{{Transcript: "您好吗", Final: false}}})
	ctrl.Wait()

	require.Empty(t, ctrl.Snapshot().Transcript)
	require.Zero(t, calls.Load())

	rec.emit(Event{Results: []Result{
		{Transcript: "您好", Final: true},
		{Transcript: "请问", Final: false},
		{Transcript: "贵公司", Final: true},
	}})
	ctrl.Wait()

	require.Equal(t, "您好 贵公司 ", ctrl.Snapshot().Transcript)
	require.Equal(t, int32(1), calls.Load())
}

func TestResultIndexSkipsAlreadyDeliveredEntries(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, nil, Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	rec.emit(Event{ResultIndex: 0, Results: []Result{{Transcript: "one", Final: true}}})
	rec.emit(Event{ResultIndex: 1, Results: []Result{
		{Transcript: "one", Final: true},
		{Transcript: "two", Final: true},
	}})

	require.Equal(t, "one two ", ctrl.Snapshot().Transcript)
}

func TestTranscriptStaysWithinCap(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, nil, Options{TranscriptChars: 20})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	var full strings.Builder
	for i := 0; i < 30; i++ {
		text := fmt.Sprintf("chunk%d", i)
		rec.emit(final(text))
		full.WriteString(text + " ")

		snap := ctrl.Snapshot()
		got := snap.Transcript
		require.LessOrEqual(t, len([]rune(got)), 20)
		require.Equal(t, len([]rune(got)), snap.TranscriptChars)
		require.True(t, strings.HasSuffix(full.String(), got))
	}
}

func TestSixChunksKeepFiveMostRecentTips(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, coaching.GeneratorFunc(func(_ context.Context, text string) (*coaching.Tip, error) {
		id := strings.TrimSpace(text)
		return &coaching.Tip{ID: id, Category: coaching.CategoryInfo, Priority: coaching.PriorityNormal, Content: id}, nil
	}), Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	for i := 0; i < 6; i++ {
		rec.emit(final(fmt.Sprintf("c%d", i)))
		ctrl.Wait()
	}

	tips := ctrl.Snapshot().Tips
	require.Len(t, tips, 5)
	require.Equal(t, "c5", tips[0].ID)
	require.Equal(t, "c1", tips[4].ID)
}

func TestTipFailureLeavesSessionListening(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, coaching.GeneratorFunc(func(context.Context, string) (*coaching.Tip, error) {
		return nil, errors.New("relay returned 502")
	}), Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	before := ctrl.Snapshot()
	rec.emit(final("chunk A"))
	ctrl.Wait()

	after := ctrl.Snapshot()
	require.Equal(t, fsm.StateListening, after.State)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.Tips, after.Tips)
}

func TestRecognizerErrorMovesToErrorWithoutRestart(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, nil, Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	rec.fail(errors.New("network"))

	snap := ctrl.Snapshot()
	require.Equal(t, fsm.StateError, snap.State)
	require.False(t, snap.Listening)
	require.Equal(t, "音频错误", snap.Status)
	require.Equal(t, int32(1), rec.startCalls.Load())

	rec.emit(final("ignored"))
	require.Empty(t, ctrl.Snapshot().Transcript)

	require.NoError(t, ctrl.Stop())
	require.Equal(t, fsm.StateIdle, ctrl.State())
	require.Equal(t, "待机", ctrl.Snapshot().Status)
}

func TestRecognizerErrorWhileIdleIgnored(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, nil, Options{})
	defer ctrl.Close()

	rec.fail(errors.New("late"))
	require.Equal(t, fsm.StateIdle, ctrl.State())
}

func TestStartFromErrorRestarts(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, nil, Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	rec.fail(errors.New("aborted"))
	require.Equal(t, fsm.StateError, ctrl.State())

	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, fsm.StateListening, ctrl.State())
	require.Empty(t, ctrl.Snapshot().LastError)
}

func TestResetFromError(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, nil, Options{})
	defer ctrl.Close()

	require.Error(t, ctrl.Reset())

	require.NoError(t, ctrl.Start(context.Background()))
	rec.fail(errors.New("aborted"))
	require.NoError(t, ctrl.Reset())
	require.Equal(t, fsm.StateIdle, ctrl.State())
}

func TestStopHaltsRecognitionMutations(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, nil, Options{})
	defer ctrl.Close()

	require.ErrorIs(t, ctrl.Stop(), ErrNotListening)

	require.NoError(t, ctrl.Start(context.Background()))
	rec.emit(final("before"))
	require.NoError(t, ctrl.Stop())
	require.Equal(t, int32(1), rec.stopCalls.Load())

	rec.emit(final("after"))
	snap := ctrl.Snapshot()
	require.Equal(t, fsm.StateIdle, snap.State)
	require.Equal(t, "before ", snap.Transcript)
}

func TestStopRecognizerErrorIsBestEffort(t *testing.T) {
	rec := &fakeRecognizer{stopErr: errors.New("already closed")}
	ctrl := NewController(nil, rec, nil, Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	require.NoError(t, ctrl.Stop())
	require.Equal(t, fsm.StateIdle, ctrl.State())
}

func TestInFlightTipLandsAfterStopByDefault(t *testing.T) {
	release := make(chan struct{})
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, blockingGenerator(release), Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	rec.emit(final("pending"))
	require.NoError(t, ctrl.Stop())
	close(release)
	ctrl.Wait()

	tips := ctrl.Snapshot().Tips
	require.Len(t, tips, 2)
	require.Equal(t, "late", tips[0].ID)
}

func TestDropAfterStopDiscardsInFlightTip(t *testing.T) {
	release := make(chan struct{})
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, blockingGenerator(release), Options{DropAfterStop: true})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	started := ctrl.Snapshot().Epoch
	rec.emit(final("pending"))
	require.NoError(t, ctrl.Stop())
	require.Equal(t, started+1, ctrl.Snapshot().Epoch)
	close(release)
	ctrl.Wait()

	tips := ctrl.Snapshot().Tips
	require.Len(t, tips, 1)
	require.Equal(t, coaching.OpeningTipID, tips[0].ID)
}

func TestPreviousSessionTipNeverLandsInNewSession(t *testing.T) {
	release := make(chan struct{})
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, blockingGenerator(release), Options{})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	first := ctrl.Snapshot().Epoch
	rec.emit(final("pending"))
	require.NoError(t, ctrl.Stop())
	require.Equal(t, first, ctrl.Snapshot().Epoch)
	require.NoError(t, ctrl.Start(context.Background()))
	require.Greater(t, ctrl.Snapshot().Epoch, first)
	close(release)
	ctrl.Wait()

	tips := ctrl.Snapshot().Tips
	require.Len(t, tips, 1)
	require.Equal(t, coaching.OpeningTipID, tips[0].ID)
}

func TestOnChangeFiresForMutations(t *testing.T) {
	var changes atomic.Int32
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, tipGenerator(coaching.CategoryTrust), Options{
		OnChange: func() { changes.Add(1) },
	})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))
	rec.emit(final("您好"))
	ctrl.Wait()
	require.NoError(t, ctrl.Stop())

	// start, chunk, merged tip, stop
	require.Equal(t, int32(4), changes.Load())
}

func TestCloseStopsAndRejectsRestart(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, nil, Options{})

	require.NoError(t, ctrl.Start(context.Background()))
	ctrl.Close()

	require.Equal(t, fsm.StateIdle, ctrl.State())
	require.Equal(t, int32(1), rec.stopCalls.Load())
	require.ErrorIs(t, ctrl.Start(context.Background()), ErrClosed)
}

func TestConcurrentResultsAndSnapshots(t *testing.T) {
	rec := &fakeRecognizer{}
	ctrl := NewController(nil, rec, tipGenerator(coaching.CategoryInfo), Options{MaxInFlight: 2})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rec.emit(final(fmt.Sprintf("w%d-%d", i, j)))
				_ = ctrl.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	ctrl.Wait()

	snap := ctrl.Snapshot()
	require.LessOrEqual(t, len([]rune(snap.Transcript)), 500)
	require.Len(t, snap.Tips, 5)
}

func blockingGenerator(release <-chan struct{}) coaching.GeneratorFunc {
	return func(context.Context, string) (*coaching.Tip, error) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		return &coaching.Tip{ID: "late", Content: "late tip", Category: coaching.CategoryInfo, Priority: coaching.PriorityNormal}, nil
	}
}
