package dashboard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeClientFrameHelloDefaultsToBrowser(t *testing.T) {
	frame, err := decodeClientFrame([]byte(`{"type":" Hello ","speech_supported":true}`))
	require.NoError(t, err)
	require.Equal(t, frameHello, frame.Type)
	require.Equal(t, SourceBrowser, frame.Source)
	require.True(t, frame.SpeechSupported)
}

func TestDecodeClientFrameResult(t *testing.T) {
	frame, err := decodeClientFrame([]byte(`{"type":"result","result_index":1,"results":[{"transcript":"a","is_final":false},{"transcript":"我们关注保费","is_final":true}]}`))
	require.NoError(t, err)

	event := frame.event()
	require.Equal(t, 1, event.ResultIndex)
	require.Len(t, event.Results, 2)
	require.True(t, event.Results[1].Final)
	require.Equal(t, "我们关注保费", event.Results[1].Transcript)
}

func TestDecodeClientFrameRejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{name: "not json", raw: `nope`, wantErr: "decode frame"},
		{name: "missing type", raw: `{}`, wantErr: "type is required"},
		{name: "unknown type", raw: `{"type":"dance"}`, wantErr: "unknown frame type"},
		{name: "bad source", raw: `{"type":"hello","source":"phone"}`, wantErr: "unsupported source"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeClientFrame([]byte(tc.raw))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
