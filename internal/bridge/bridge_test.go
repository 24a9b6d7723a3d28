package bridge

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdex-dev/verdex/internal/verdexerr"
)

func TestMapBridgeErrorElementNotFound(t *testing.T) {
	env := invokeEnvelope{
		Ok:     false,
		Kind:   "ElementNotFound",
		Detail: map[string]any{"ref": "e9"},
	}
	err := mapBridgeError(env)

	var notFound *verdexerr.ElementNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "e9", notFound.Ref)
}

func TestMapBridgeErrorStaleElement(t *testing.T) {
	env := invokeEnvelope{
		Ok:   false,
		Kind: "StaleElement",
		Detail: map[string]any{
			"ref":  "e2",
			"role": "button",
			"name": "Submit",
		},
	}
	err := mapBridgeError(env)

	var stale *verdexerr.StaleElement
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "e2", stale.Ref)
	assert.Equal(t, "button", stale.Role)
	assert.Equal(t, "Submit", stale.Name)
}

func TestMapBridgeErrorFallsBackToBridgeMethodException(t *testing.T) {
	env := invokeEnvelope{Ok: false, Kind: "TypeError", Message: "boom"}
	err := mapBridgeError(env)

	var generic *verdexerr.BridgeMethodException
	require.ErrorAs(t, err, &generic)
	assert.Equal(t, "boom", generic.Message)
}

func TestDropFrameRejectsPendingLatch(t *testing.T) {
	frameID := cdp.FrameID("frame-1")
	state := &FrameState{FrameID: frameID, ready: make(chan struct{})}
	inj := &Injector{frames: map[cdp.FrameID]*FrameState{frameID: state}}

	inj.dropFrame(frameID)

	select {
	case <-state.ready:
	default:
		t.Fatal("dropFrame did not close the pending latch")
	}

	var detached *verdexerr.FrameDetached
	require.ErrorAs(t, state.err, &detached)
	assert.Equal(t, string(frameID), detached.FrameID)

	_, stillTracked := inj.frames[frameID]
	assert.False(t, stillTracked)
}

func TestDisposeUnsubscribesAndRejectsPendingLatchesOnce(t *testing.T) {
	frameID := cdp.FrameID("frame-2")
	state := &FrameState{FrameID: frameID, ready: make(chan struct{})}

	var unsubscribeCalls int
	inj := &Injector{
		frames:      map[cdp.FrameID]*FrameState{frameID: state},
		unsubscribe: []func(){func() { unsubscribeCalls++ }, func() { unsubscribeCalls++ }},
	}

	inj.Dispose()
	assert.Equal(t, 2, unsubscribeCalls)

	var detached *verdexerr.FrameDetached
	require.ErrorAs(t, state.err, &detached)
	assert.Empty(t, inj.frames)

	inj.Dispose()
	assert.Equal(t, 2, unsubscribeCalls, "second Dispose call must be a no-op")
}
