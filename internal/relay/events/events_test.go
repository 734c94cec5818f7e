package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantErr  bool
	}{
		{name: "typed event", input: `{"type":"response.create"}`, wantType: "response.create"},
		{name: "surrounding whitespace", input: "  {\"type\":\"session.update\",\"session\":{}}\n", wantType: "session.update"},
		{name: "truncated", input: `{"type":"bad json"`, wantErr: true},
		{name: "array", input: `[{"type":"x"}]`, wantErr: true},
		{name: "missing type", input: `{"event_id":"evt_1"}`, wantErr: true},
		{name: "empty type", input: `{"type":""}`, wantErr: true},
		{name: "numeric type", input: `{"type":5}`, wantErr: true},
		{name: "empty", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedEvent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.JSONEq(t, strings.TrimSpace(tt.input), string(ev.Raw))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategorySession, Classify("session.created"))
	assert.Equal(t, CategoryConversation, Classify("conversation.item.created"))
	assert.Equal(t, CategoryInputAudioBuffer, Classify("input_audio_buffer.append"))
	assert.Equal(t, CategoryResponse, Classify("response.audio.delta"))
	assert.Equal(t, CategoryRateLimits, Classify("rate_limits.updated"))
	assert.Equal(t, CategoryError, Classify("error"))
	assert.Equal(t, CategoryOther, Classify("something.new"))
	assert.Equal(t, "input_audio_buffer", CategoryInputAudioBuffer.String())
	assert.Equal(t, "other", Category(99).String())
}

func TestWithIDKeepsExisting(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"response.create","event_id":"evt_client"}`))
	require.NoError(t, err)

	stamped, err := ev.WithID()
	require.NoError(t, err)
	assert.Equal(t, "evt_client", stamped.ID)
	assert.Equal(t, ev.Raw, stamped.Raw)
}

func TestWithIDGenerates(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"input_audio_buffer.append","audio":"AAAA"}`))
	require.NoError(t, err)

	stamped, err := ev.WithID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stamped.ID, "evt_"))

	var fields map[string]any
	require.NoError(t, json.Unmarshal(stamped.Raw, &fields))
	assert.Equal(t, stamped.ID, fields["event_id"])
	assert.Equal(t, "AAAA", fields["audio"])
	assert.Equal(t, "input_audio_buffer.append", fields["type"])
}

func TestWithIDLeavesPayloadBytesIntact(t *testing.T) {
	frame := `{"type":"conversation.item.create", "z":1,"a":"<b>&amp;</b>","audio":"AAAA"}`
	ev, err := Decode([]byte(frame))
	require.NoError(t, err)

	stamped, err := ev.WithID()
	require.NoError(t, err)

	want := `{"event_id":"` + stamped.ID + `",` + frame[1:]
	assert.Equal(t, want, string(stamped.Raw))
	assert.True(t, json.Valid(stamped.Raw))

	again, err := Decode(stamped.Raw)
	require.NoError(t, err)
	assert.Equal(t, stamped.ID, again.ID)
}

func TestWithIDReplacesEmptyID(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"response.create","event_id":""}`))
	require.NoError(t, err)

	stamped, err := ev.WithID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stamped.ID, "evt_"))
	assert.Equal(t, 1, strings.Count(string(stamped.Raw), `"event_id"`))

	again, err := Decode(stamped.Raw)
	require.NoError(t, err)
	assert.Equal(t, stamped.ID, again.ID)
}

func TestNotices(t *testing.T) {
	assert.JSONEq(t,
		`{"type":"queued","message":"Server is at capacity. You are in the queue."}`,
		string(QueuedNotice().Encode()))
	assert.JSONEq(t,
		`{"type":"cold_start","message":"Server is initializing. Please wait."}`,
		string(ColdStartNotice().Encode()))
}
