package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventLifecycle(t *testing.T) {
	frame := []byte(`{"type":"postPublished","payload":{"post_id":42,"tracking_id":"trk-9","post_url":"https://www.linkedin.com/feed/update/urn:li:activity:1","platform_id":"urn:li:activity:1"}}`)

	ev, ok := ParseEvent(frame)
	require.True(t, ok)
	assert.Equal(t, EventPostPublished, ev.Type)
	assert.Equal(t, uint(42), ev.PostID)
	assert.Equal(t, "trk-9", ev.TrackingID)
	assert.Equal(t, "urn:li:activity:1", ev.PlatformID)
	assert.True(t, ev.Terminal())
	assert.True(t, ev.Success())
	assert.False(t, ev.ReceivedAt.IsZero())
}

func TestParseEventFailureCarriesReason(t *testing.T) {
	frame := []byte(`{"type":"postFailed","payload":{"post_id":7,"error":"share box not found"}}`)

	ev, ok := ParseEvent(frame)
	require.True(t, ok)
	assert.Equal(t, "share box not found", ev.Error)
	assert.True(t, ev.Terminal())
	assert.False(t, ev.Success())
}

func TestParseEventConnectedWithoutPayload(t *testing.T) {
	ev, ok := ParseEvent([]byte(`{"type":"connected"}`))
	require.True(t, ok)
	assert.Equal(t, EventConnected, ev.Type)
	assert.Empty(t, ev.AgentVersion)
}

func TestParseEventQueueDepth(t *testing.T) {
	ev, ok := ParseEvent([]byte(`{"type":"queueUpdated","payload":{"depth":3}}`))
	require.True(t, ok)
	assert.Equal(t, 3, ev.QueueDepth)
}

func TestParseEventAnalyticsKeepsRawCounters(t *testing.T) {
	frame := []byte(`{"type":"ANALYTICS_RESULT","payload":{"request_id":"req-1","post_id":5,"counters":{"views":"57,000,000","likes":120}}}`)

	ev, ok := ParseEvent(frame)
	require.True(t, ok)
	assert.Equal(t, "req-1", ev.RequestID)
	// Counters cross the bridge untouched; sanitization is downstream.
	assert.Equal(t, "57,000,000", ev.Counters["views"])
}

func TestParseEventUnknownTagIgnored(t *testing.T) {
	_, ok := ParseEvent([]byte(`{"type":"somethingNew","payload":{}}`))
	assert.False(t, ok)
}

func TestParseEventMalformedFrames(t *testing.T) {
	for _, frame := range []string{
		``,
		`not json`,
		`{}`,
		`{"type":"postPublished","payload":"nope"}`,
		`{"type":"queueUpdated","payload":[1,2]}`,
	} {
		_, ok := ParseEvent([]byte(frame))
		assert.False(t, ok, "frame %q should be dropped", frame)
	}
}

func TestEncodeCommandEnvelope(t *testing.T) {
	data, err := encodeCommand(CmdPostNow, PostPayload{ID: 1, Content: "hi"})
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, CmdPostNow, env.Type)

	var p PostPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, uint(1), p.ID)
	assert.Equal(t, "hi", p.Content)
}
