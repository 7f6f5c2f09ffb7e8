package speech

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/require"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rbright/coachdesk/internal/session"
)

type fakeRPC struct {
	mu        sync.Mutex
	sent      []*speechpb.StreamingRecognizeRequest
	sendErr   error
	responses chan *speechpb.StreamingRecognizeResponse
	recvErr   chan error
	halfClose atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		responses: make(chan *speechpb.StreamingRecognizeResponse, 16),
		recvErr:   make(chan error, 1),
		done:      make(chan struct{}),
	}
}

func (f *fakeRPC) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeRPC) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	select {
	case resp := <-f.responses:
		return resp, nil
	case err := <-f.recvErr:
		return nil, err
	case <-f.done:
		return nil, status.Error(codes.Canceled, "context canceled")
	}
}

func (f *fakeRPC) CloseSend() error {
	f.halfClose.Store(true)
	return nil
}

func (f *fakeRPC) cancel() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeRPC) sentRequests() []*speechpb.StreamingRecognizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*speechpb.StreamingRecognizeRequest(nil), f.sent...)
}

type closeCounter struct{ calls atomic.Int32 }

func (c *closeCounter) Close() error {
	c.calls.Add(1)
	return nil
}

func result(text string, final bool) *speechpb.StreamingRecognitionResult {
	return &speechpb.StreamingRecognitionResult{
		IsFinal:      final,
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text}},
	}
}

func TestNewStreamSendsContinuousInterimConfig(t *testing.T) {
	rpc := newFakeRPC()
	s, err := newStream(nil, rpc, rpc.cancel, Config{AutomaticPunctuation: true}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Cancel() }()

	sent := rpc.sentRequests()
	require.Len(t, sent, 1)
	streaming := sent[0].GetStreamingConfig()
	require.NotNil(t, streaming)
	require.True(t, streaming.GetInterimResults())
	require.False(t, streaming.GetSingleUtterance())
	require.Equal(t, DefaultLanguageCode, streaming.GetConfig().GetLanguageCode())
	require.Equal(t, int32(SampleRateHertz), streaming.GetConfig().GetSampleRateHertz())
	require.Equal(t, speechpb.RecognitionConfig_LINEAR16, streaming.GetConfig().GetEncoding())
	require.True(t, streaming.GetConfig().GetEnableAutomaticPunctuation())
}

func TestClientOptionsInsecureSkipsCredentials(t *testing.T) {
	require.Len(t, clientOptions(Config{}), 0)
	require.Len(t, clientOptions(Config{Endpoint: "speech.example.com:443", CredentialsFile: "/tmp/sa.json"}), 2)
	require.Len(t, clientOptions(Config{Endpoint: "127.0.0.1:9090", Insecure: true, CredentialsFile: "/tmp/sa.json"}), 3)
}

func TestSpeechContextsGroupByBoost(t *testing.T) {
	contexts := speechContexts([]Phrase{
		{Text: "续保", Boost: 15},
		{Text: " ", Boost: 5},
		{Text: "免赔额", Boost: 10},
		{Text: "保费", Boost: 15},
	})

	require.Len(t, contexts, 2)
	require.Equal(t, float32(15), contexts[0].GetBoost())
	require.Equal(t, []string{"续保", "保费"}, contexts[0].GetPhrases())
	require.Equal(t, []string{"免赔额"}, contexts[1].GetPhrases())
	require.Nil(t, speechContexts(nil))
}

func TestNewStreamConfigSendFailure(t *testing.T) {
	rpc := newFakeRPC()
	rpc.sendErr = errors.New("broken pipe")

	_, err := newStream(nil, rpc, rpc.cancel, Config{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "initial streaming config")
}

func TestRecvLoopForwardsEvents(t *testing.T) {
	rpc := newFakeRPC()
	var debug bytes.Buffer
	events := make(chan session.Event, 4)
	s, err := newStream(nil, rpc, rpc.cancel, Config{DebugResponseSinkJSON: &debug}, func(ev session.Event) {
		events <- ev
	})
	require.NoError(t, err)

	rpc.responses <- &speechpb.StreamingRecognizeResponse{Results: []*speechpb.StreamingRecognitionResult{result("您好", false)}}
	rpc.responses <- &speechpb.StreamingRecognizeResponse{Results: []*speechpb.StreamingRecognitionResult{result(" 您好 ", true)}}
	rpc.responses <- &speechpb.StreamingRecognizeResponse{}

	first := <-events
	require.Equal(t, []session.Result{{Transcript: "您好", Final: false}}, first.Results)
	second := <-events
	require.Equal(t, []session.Result{{Transcript: "您好", Final: true}}, second.Results)

	rpc.recvErr <- io.EOF
	<-s.Done()
	require.NoError(t, s.Err())
	require.NoError(t, s.Cancel())
	require.True(t, rpc.halfClose.Load())
	require.Len(t, events, 0)
	require.Contains(t, debug.String(), "isFinal")
}

func TestRecvLoopInBandErrorFailsStream(t *testing.T) {
	rpc := newFakeRPC()
	s, err := newStream(nil, rpc, rpc.cancel, Config{}, nil)
	require.NoError(t, err)

	rpc.responses <- &speechpb.StreamingRecognizeResponse{
		Error: &rpcstatus.Status{Code: int32(codes.OutOfRange), Message: "audio timeout"},
	}
	<-s.Done()

	require.Error(t, s.Err())
	require.Equal(t, codes.OutOfRange, status.Code(errors.Unwrap(s.Err())))
	require.ErrorContains(t, s.SendAudio([]byte{1, 2}), "receive loop failed")
	_ = s.Cancel()
}

func TestRecvLoopTransportErrorRecorded(t *testing.T) {
	rpc := newFakeRPC()
	s, err := newStream(nil, rpc, rpc.cancel, Config{}, nil)
	require.NoError(t, err)

	rpc.recvErr <- status.Error(codes.Unavailable, "connection reset")
	<-s.Done()
	require.Equal(t, codes.Unavailable, status.Code(s.Err()))
}

func TestSendAudioAfterCloseFails(t *testing.T) {
	rpc := newFakeRPC()
	closer := &closeCounter{}
	s, err := newStream(closer, rpc, rpc.cancel, Config{}, nil)
	require.NoError(t, err)

	require.NoError(t, s.SendAudio(nil))
	require.NoError(t, s.SendAudio([]byte{1, 2, 3, 4}))
	require.Len(t, rpc.sentRequests(), 2)
	require.Equal(t, []byte{1, 2, 3, 4}, rpc.sentRequests()[1].GetAudioContent())

	require.NoError(t, s.Cancel())
	require.NoError(t, s.Cancel())
	require.Equal(t, int32(1), closer.calls.Load())
	require.ErrorContains(t, s.SendAudio([]byte{1}), "already closed")
}

func TestToEventSkipsEmptyAlternatives(t *testing.T) {
	_, ok := toEvent(&speechpb.StreamingRecognizeResponse{Results: []*speechpb.StreamingRecognitionResult{
		{IsFinal: true},
		result("   ", true),
	}})
	require.False(t, ok)
}
