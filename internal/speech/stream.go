// Package speech streams PCM audio to Google Cloud Speech-to-Text and turns
// recognition responses into session events.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speechapi "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/rbright/coachdesk/internal/session"
)

const (
	DefaultLanguageCode = "zh-CN"
	SampleRateHertz     = 16000
)

// Config controls stream initialization and recognition behavior.
type Config struct {
	Endpoint              string
	Insecure              bool
	CredentialsFile       string
	LanguageCode          string
	Model                 string
	AutomaticPunctuation  bool
	Phrases               []Phrase
	DialTimeout           time.Duration
	DebugResponseSinkJSON io.Writer
}

// Phrase is one recognition hint with its boost weight.
type Phrase struct {
	Text  string
	Boost float32
}

// recognizeStream is the client-streaming RPC surface used by Stream.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Stream wraps one StreamingRecognize RPC.
type Stream struct {
	closer  io.Closer
	stream  recognizeStream
	cancel  context.CancelFunc
	onEvent func(session.Event)

	recvDone  chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu            sync.Mutex
	recvErr       error
	closedSend    bool
	debugSinkJSON io.Writer
}

// Dial opens a client, sends the streaming config, and starts receiving.
// onEvent runs on the receive goroutine for every response with results.
func Dial(ctx context.Context, cfg Config, onEvent func(session.Event)) (*Stream, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	opts := clientOptions(cfg)

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancelDial()

	client, err := speechapi.NewClient(dialCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rpc, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("open streaming recognizer: %w", err)
	}

	s, err := newStream(client, rpc, cancel, cfg, onEvent)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func clientOptions(cfg Config) []option.ClientOption {
	opts := make([]option.ClientOption, 0, 3)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	if cfg.Insecure {
		return append(opts,
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if creds := strings.TrimSpace(cfg.CredentialsFile); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return opts
}

func newStream(closer io.Closer, rpc recognizeStream, cancel context.CancelFunc, cfg Config, onEvent func(session.Event)) (*Stream, error) {
	if err := rpc.Send(streamingConfigRequest(cfg)); err != nil {
		return nil, fmt.Errorf("send initial streaming config: %w", err)
	}
	if onEvent == nil {
		onEvent = func(session.Event) {}
	}
	if cancel == nil {
		cancel = func() {}
	}

	s := &Stream{
		closer:        closer,
		stream:        rpc,
		cancel:        cancel,
		onEvent:       onEvent,
		recvDone:      make(chan struct{}),
		debugSinkJSON: cfg.DebugResponseSinkJSON,
	}
	go s.recvLoop()
	return s, nil
}

func streamingConfigRequest(cfg Config) *speechpb.StreamingRecognizeRequest {
	language := strings.TrimSpace(cfg.LanguageCode)
	if language == "" {
		language = DefaultLanguageCode
	}

	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            SampleRateHertz,
					AudioChannelCount:          1,
					LanguageCode:               language,
					EnableAutomaticPunctuation: cfg.AutomaticPunctuation,
					Model:                      strings.TrimSpace(cfg.Model),
					SpeechContexts:             speechContexts(cfg.Phrases),
				},
				InterimResults:  true,
				SingleUtterance: false,
			},
		},
	}
}

// speechContexts groups phrase hints by boost, preserving first-seen order.
func speechContexts(phrases []Phrase) []*speechpb.SpeechContext {
	if len(phrases) == 0 {
		return nil
	}

	byBoost := make(map[float32]*speechpb.SpeechContext)
	contexts := make([]*speechpb.SpeechContext, 0)
	for _, phrase := range phrases {
		text := strings.TrimSpace(phrase.Text)
		if text == "" {
			continue
		}
		ctx, ok := byBoost[phrase.Boost]
		if !ok {
			ctx = &speechpb.SpeechContext{Boost: phrase.Boost}
			byBoost[phrase.Boost] = ctx
			contexts = append(contexts, ctx)
		}
		ctx.Phrases = append(ctx.Phrases, text)
	}
	if len(contexts) == 0 {
		return nil
	}
	return contexts
}

// recvLoop receives responses until the stream ends or fails.
func (s *Stream) recvLoop() {
	defer close(s.recvDone)

	for {
		resp, err := s.stream.Recv()
		if err == nil {
			if rErr := s.recordResponse(resp); rErr != nil {
				s.setRecvErr(rErr)
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return
		}
		s.setRecvErr(err)
		return
	}
}

func (s *Stream) setRecvErr(err error) {
	s.mu.Lock()
	s.recvErr = err
	s.mu.Unlock()
}

// recordResponse forwards results to onEvent. In-band errors end the stream.
func (s *Stream) recordResponse(resp *speechpb.StreamingRecognizeResponse) error {
	if sink := s.debugSinkJSON; sink != nil {
		b, err := protojson.Marshal(resp)
		if err == nil {
			_, _ = sink.Write(append(b, '\n'))
		}
	}

	if rpcErr := resp.GetError(); rpcErr != nil && codes.Code(rpcErr.GetCode()) != codes.OK {
		return fmt.Errorf("recognition error: %w", status.ErrorProto(rpcErr))
	}

	event, ok := toEvent(resp)
	if ok {
		s.onEvent(event)
	}
	return nil
}

// toEvent converts one response. Each streaming response carries only new
// results, so ResultIndex is always zero.
func toEvent(resp *speechpb.StreamingRecognizeResponse) (session.Event, bool) {
	results := make([]session.Result, 0, len(resp.GetResults()))
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		transcript := strings.TrimSpace(alternatives[0].GetTranscript())
		if transcript == "" {
			continue
		}
		results = append(results, session.Result{Transcript: transcript, Final: result.GetIsFinal()})
	}
	if len(results) == 0 {
		return session.Event{}, false
	}
	return session.Event{Results: results}, true
}

// SendAudio sends one chunk of PCM audio over the active stream.
func (s *Stream) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	closed := s.closedSend
	recvErr := s.recvErr
	s.mu.Unlock()

	if closed {
		return errors.New("stream already closed for sending")
	}
	if recvErr != nil {
		return fmt.Errorf("stream receive loop failed: %w", recvErr)
	}

	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
}

// Done is closed once the receive loop exits.
func (s *Stream) Done() <-chan struct{} {
	return s.recvDone
}

// Err returns the receive-loop failure, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvErr
}

// Cancel aborts the RPC without waiting for pending results.
func (s *Stream) Cancel() error {
	s.closeSend()
	s.cancel()
	<-s.recvDone
	return s.closeClient()
}

func (s *Stream) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closedSend {
		s.closedSend = true
		_ = s.stream.CloseSend()
	}
}

func (s *Stream) closeClient() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
