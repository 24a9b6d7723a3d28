// Package bridge implements the Bridge Injector: it registers the
// embedded JS bundle into a named isolated world on every frame of a page,
// tracks each frame's lifecycle over CDP events, and exposes a single
// CallMethod entry point the Multi-Context Runtime drives snapshot,
// click, type and inspection operations through.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/verdex-dev/verdex/internal/bridgejs"
	"github.com/verdex-dev/verdex/internal/cdpsession"
	"github.com/verdex-dev/verdex/internal/verdexerr"
)

const worldNamePrefix = "__verdex_bridge__"

// FrameState tracks one frame's isolated-world bridge lifecycle. A
// FrameState is created the first time a frame is seen and dropped on
// cross-document navigation or frame detach; a same-document navigation
// invalidates the live Bridge instance in place (new instance, state
// reused) since the isolated world itself survives SPA navigations.
type FrameState struct {
	FrameID  cdp.FrameID
	parent   cdp.FrameID
	worldName string

	ready     chan struct{}
	closeOnce sync.Once

	mu                 sync.Mutex
	executionContextID runtime.ExecutionContextID
	bridgeObjectID     runtime.RemoteObjectID
	err                error
}

func (fs *FrameState) markReady(err error) {
	fs.mu.Lock()
	fs.err = err
	fs.mu.Unlock()
	fs.closeOnce.Do(func() { close(fs.ready) })
}

// invalidate drops the live Bridge instance (same-document navigation):
// the world and execution context survive, but the in-page ElementsMap
// and ref counter must start over, the same as a fresh factory.create().
func (fs *FrameState) invalidate() {
	fs.mu.Lock()
	fs.bridgeObjectID = ""
	fs.mu.Unlock()
}

// Config mirrors the StructuralAnalyzer tuning knobs threaded through to
// every new Bridge instance created in a frame's isolated world.
type Config struct {
	MaxDepth        int `json:"maxDepth"`
	MaxSiblings     int `json:"maxSiblings"`
	MaxDescendants  int `json:"maxDescendants"`
	MaxOutlineItems int `json:"maxOutlineItems"`
}

// Injector owns the bridge lifecycle for a single Playwright page.
type Injector struct {
	session *cdpsession.Session
	log     zerolog.Logger
	cfg     Config

	mu          sync.Mutex
	frames      map[cdp.FrameID]*FrameState
	manualMode  bool
	unsubscribe []func()
	scriptID    page.ScriptIdentifier
	disposed    bool
}

// New wires event handlers on session and attempts the first two
// registration tiers. It never fails outright: a failure at both
// automatic tiers just flips the Injector into manual (per-navigation)
// reinjection mode, logged at Warn.
func New(ctx context.Context, raw playwright.CDPSession, log zerolog.Logger, cfg Config) (*Injector, error) {
	inj := &Injector{
		session: cdpsession.Wrap(raw),
		log:     log,
		cfg:     cfg,
		frames:  make(map[cdp.FrameID]*FrameState),
	}

	inj.wireEvents()

	for _, method := range []string{"Runtime.enable", "Page.enable", "DOM.enable"} {
		if err := inj.session.Send(method, nil, nil); err != nil {
			inj.log.Warn().Err(err).Str("method", method).Msg("bridge: domain enable failed")
		}
	}

	if err := inj.registerBundle(); err != nil {
		inj.log.Warn().Err(err).Msg("bridge: automatic registration failed, falling back to manual per-frame injection")
		inj.manualMode = true
	}

	return inj, nil
}

// registerBundle attempts the runImmediately tier, then the
// future-navigations-only tier, recording the returned ScriptIdentifier so
// Dispose can unregister it later. Returns an error only when both fail,
// signalling the caller to use manual mode.
func (inj *Injector) registerBundle() error {
	worldName := worldNamePrefix

	var resp page.AddScriptToEvaluateOnNewDocumentReturns

	params := page.AddScriptToEvaluateOnNewDocument(bridgejs.Bundle).
		WithWorldName(worldName).
		WithRunImmediately(true)
	if err := inj.session.Send("Page.addScriptToEvaluateOnNewDocument", params, &resp); err == nil {
		inj.mu.Lock()
		inj.scriptID = resp.Identifier
		inj.mu.Unlock()
		return nil
	}

	params2 := page.AddScriptToEvaluateOnNewDocument(bridgejs.Bundle).
		WithWorldName(worldName)
	if err := inj.session.Send("Page.addScriptToEvaluateOnNewDocument", params2, &resp); err == nil {
		inj.mu.Lock()
		inj.scriptID = resp.Identifier
		inj.mu.Unlock()
		return nil
	}

	return fmt.Errorf("bridge: both automatic registration tiers rejected")
}

func (inj *Injector) wireEvents() {
	var offs []func()

	ctxCreated := &runtime.EventExecutionContextCreated{}
	offs = append(offs, inj.session.On("Runtime.executionContextCreated", ctxCreated, func() {
		if ctxCreated.Context == nil {
			return
		}
		var aux struct {
			FrameID cdp.FrameID `json:"frameId"`
		}
		if len(ctxCreated.Context.AuxData) > 0 {
			_ = json.Unmarshal(ctxCreated.Context.AuxData, &aux)
		}
		if ctxCreated.Context.Name != worldNamePrefix || aux.FrameID == "" {
			return
		}
		inj.onContextCreated(aux.FrameID, ctxCreated.Context.ID)
	}))

	navWithin := &page.EventNavigatedWithinDocument{}
	offs = append(offs, inj.session.On("Page.navigatedWithinDocument", navWithin, func() {
		inj.mu.Lock()
		state := inj.frames[navWithin.FrameID]
		inj.mu.Unlock()
		if state != nil {
			state.invalidate()
		}
	}))

	frameNav := &page.EventFrameNavigated{}
	offs = append(offs, inj.session.On("Page.frameNavigated", frameNav, func() {
		if frameNav.Frame == nil {
			return
		}
		inj.dropFrame(frameNav.Frame.ID)
	}))

	frameAttached := &page.EventFrameAttached{}
	offs = append(offs, inj.session.On("Page.frameAttached", frameAttached, func() {
		inj.mu.Lock()
		if _, ok := inj.frames[frameAttached.FrameID]; !ok {
			inj.frames[frameAttached.FrameID] = &FrameState{
				FrameID:   frameAttached.FrameID,
				parent:    frameAttached.ParentFrameID,
				worldName: worldNamePrefix,
				ready:     make(chan struct{}),
			}
		}
		inj.mu.Unlock()
	}))

	frameDetached := &page.EventFrameDetached{}
	offs = append(offs, inj.session.On("Page.frameDetached", frameDetached, func() {
		inj.dropFrame(frameDetached.FrameID)
	}))

	inj.mu.Lock()
	inj.unsubscribe = offs
	inj.mu.Unlock()
}

// dropFrame rejects any latch still pending on this frame with a
// FrameDetached error before discarding its state, so a blocked
// EnsureFrame/CallMethod caller fails fast instead of hanging until its
// context is cancelled.
func (inj *Injector) dropFrame(id cdp.FrameID) {
	inj.mu.Lock()
	state := inj.frames[id]
	delete(inj.frames, id)
	inj.mu.Unlock()
	if state != nil {
		state.markReady(&verdexerr.FrameDetached{FrameID: string(id)})
	}
}

func (inj *Injector) onContextCreated(frameID cdp.FrameID, ctxID runtime.ExecutionContextID) {
	inj.mu.Lock()
	state, ok := inj.frames[frameID]
	if !ok {
		state = &FrameState{FrameID: frameID, worldName: worldNamePrefix, ready: make(chan struct{})}
		inj.frames[frameID] = state
	}
	inj.mu.Unlock()

	state.mu.Lock()
	state.executionContextID = ctxID
	state.mu.Unlock()

	objID, version, err := inj.createBridgeInstance(ctxID)
	if err != nil {
		state.markReady(err)
		return
	}
	if version != bridgejs.Version {
		state.markReady(&verdexerr.BridgeVersionMismatch{FrameID: string(frameID), Want: bridgejs.Version, Got: version})
		return
	}
	state.mu.Lock()
	state.bridgeObjectID = objID
	state.mu.Unlock()
	state.markReady(nil)

	inj.log.Debug().Str("frame", string(frameID)).Msg("bridge: instance created")
}

func (inj *Injector) createBridgeInstance(ctxID runtime.ExecutionContextID) (runtime.RemoteObjectID, string, error) {
	cfgJSON, err := json.Marshal(inj.cfg)
	if err != nil {
		return "", "", err
	}

	const createExpr = `function(cfg){ return globalThis.__BridgeFactory__.create(cfg); }`
	createParams := runtime.CallFunctionOn(createExpr).
		WithExecutionContextID(ctxID).
		WithArguments([]*runtime.CallArgument{{Value: cfgJSON}}).
		WithReturnByValue(false)

	var createResp runtime.CallFunctionOnReturns
	if err := inj.session.Send("Runtime.callFunctionOn", createParams, &createResp); err != nil {
		return "", "", err
	}
	if createResp.ExceptionDetails != nil {
		return "", "", fmt.Errorf("bridge: factory.create threw: %v", createResp.ExceptionDetails)
	}

	const versionExpr = `function(){ return globalThis.__BridgeFactory__.version; }`
	versionParams := runtime.CallFunctionOn(versionExpr).
		WithExecutionContextID(ctxID).
		WithReturnByValue(true)
	var versionResp runtime.CallFunctionOnReturns
	if err := inj.session.Send("Runtime.callFunctionOn", versionParams, &versionResp); err != nil {
		return "", "", err
	}
	var version string
	if versionResp.Result != nil && len(versionResp.Result.Value) > 0 {
		_ = json.Unmarshal(versionResp.Result.Value, &version)
	}

	return createResp.Result.ObjectID, version, nil
}

// manualInject runs when both automatic registration tiers failed: it
// creates an isolated world on demand and evaluates the bundle source
// directly in it, rather than relying on an on-new-document script.
func (inj *Injector) manualInject(frameID cdp.FrameID) (runtime.ExecutionContextID, error) {
	createParams := page.CreateIsolatedWorld(frameID).
		WithWorldName(worldNamePrefix).
		WithGrantUniveralAccess(true)

	var createResp page.CreateIsolatedWorldReturns
	if err := inj.session.Send("Page.createIsolatedWorld", createParams, &createResp); err != nil {
		return 0, fmt.Errorf("bridge: manual createIsolatedWorld: %w", err)
	}

	evalParams := runtime.Evaluate(bridgejs.Bundle).
		WithContextID(createResp.ExecutionContextID).
		WithReturnByValue(true)
	var evalResp runtime.EvaluateReturns
	if err := inj.session.Send("Runtime.evaluate", evalParams, &evalResp); err != nil {
		return 0, fmt.Errorf("bridge: manual bundle eval: %w", err)
	}
	if evalResp.ExceptionDetails != nil {
		return 0, fmt.Errorf("bridge: manual bundle eval threw: %v", evalResp.ExceptionDetails)
	}

	return createResp.ExecutionContextID, nil
}

// EnsureFrame blocks until frameID's bridge instance is ready (creating
// the FrameState and, in manual mode, the isolated world itself, on first
// call) or ctx is cancelled. Concurrent callers for the same frame share
// one in-flight creation through the FrameState's ready channel.
func (inj *Injector) EnsureFrame(ctx context.Context, frameID cdp.FrameID) (*FrameState, error) {
	inj.mu.Lock()
	state, ok := inj.frames[frameID]
	if !ok {
		state = &FrameState{FrameID: frameID, worldName: worldNamePrefix, ready: make(chan struct{})}
		inj.frames[frameID] = state
		if inj.manualMode {
			go inj.runManualInit(state)
		}
		// In automatic mode, onContextCreated closes ready once the
		// engine fires the context-created event for this world; there
		// is nothing further to kick off here.
	}
	inj.mu.Unlock()

	select {
	case <-state.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	state.mu.Lock()
	err := state.err
	state.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (inj *Injector) runManualInit(state *FrameState) {
	ctxID, err := inj.manualInject(state.FrameID)
	if err != nil {
		state.markReady(&verdexerr.FrameInjectionError{FrameID: string(state.FrameID), Tier: "manual", Err: err})
		return
	}
	state.mu.Lock()
	state.executionContextID = ctxID
	state.mu.Unlock()

	objID, version, err := inj.createBridgeInstance(ctxID)
	if err != nil {
		state.markReady(&verdexerr.FrameInjectionError{FrameID: string(state.FrameID), Tier: "manual", Err: err})
		return
	}
	if version != bridgejs.Version {
		state.markReady(&verdexerr.BridgeVersionMismatch{FrameID: string(state.FrameID), Want: bridgejs.Version, Got: version})
		return
	}
	state.mu.Lock()
	state.bridgeObjectID = objID
	state.mu.Unlock()
	state.markReady(nil)
}

type invokeEnvelope struct {
	Ok      bool            `json:"ok"`
	Value   json.RawMessage `json:"value"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Detail  map[string]any  `json:"detail"`
}

// CallMethod invokes a named Bridge method in frameID's isolated world
// and decodes its JSON result into out (ignored if nil). Bridge-thrown
// errors are mapped to the typed verdexerr kinds.
func (inj *Injector) CallMethod(ctx context.Context, frameID cdp.FrameID, method string, args []any, out any) error {
	callID := uuid.NewString()
	log := inj.log.With().Str("call", callID).Str("frame", string(frameID)).Str("method", method).Logger()
	log.Debug().Msg("bridge: call")

	state, err := inj.EnsureFrame(ctx, frameID)
	if err != nil {
		log.Debug().Err(err).Msg("bridge: ensure frame failed")
		return err
	}

	state.mu.Lock()
	ctxID := state.executionContextID
	objID := state.bridgeObjectID
	state.mu.Unlock()

	if objID == "" {
		// Same-document navigation invalidated the instance; recreate it
		// in the same (still-live) execution context.
		newObjID, version, cerr := inj.createBridgeInstance(ctxID)
		if cerr != nil {
			return &verdexerr.FrameInjectionError{FrameID: string(frameID), Tier: "revive", Err: cerr}
		}
		if version != bridgejs.Version {
			return &verdexerr.BridgeVersionMismatch{FrameID: string(frameID), Want: bridgejs.Version, Got: version}
		}
		state.mu.Lock()
		state.bridgeObjectID = newObjID
		state.mu.Unlock()
		objID = newObjID
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("bridge: marshal args for %s: %w", method, err)
	}
	methodJSON, _ := json.Marshal(method)

	const invokeExpr = `function(method, args){ return this.invoke(method, args); }`
	params := runtime.CallFunctionOn(invokeExpr).
		WithObjectID(objID).
		WithArguments([]*runtime.CallArgument{{Value: methodJSON}, {Value: argsJSON}}).
		WithReturnByValue(true)

	var resp runtime.CallFunctionOnReturns
	if sendErr := inj.session.Send("Runtime.callFunctionOn", params, &resp); sendErr != nil {
		return fmt.Errorf("bridge: call %s: %w", method, sendErr)
	}
	if resp.ExceptionDetails != nil {
		return fmt.Errorf("bridge: call %s threw outside invoke: %v", method, resp.ExceptionDetails)
	}

	var envelope invokeEnvelope
	if resp.Result != nil && len(resp.Result.Value) > 0 {
		if uerr := json.Unmarshal(resp.Result.Value, &envelope); uerr != nil {
			return fmt.Errorf("bridge: decode %s envelope: %w", method, uerr)
		}
	}

	if !envelope.Ok {
		mapped := mapBridgeError(envelope)
		if bme, ok := mapped.(*verdexerr.BridgeMethodException); ok {
			bme.Method = method
		}
		log.Debug().Err(mapped).Msg("bridge: call failed")
		return mapped
	}
	if out != nil && len(envelope.Value) > 0 {
		if uerr := json.Unmarshal(envelope.Value, out); uerr != nil {
			return fmt.Errorf("bridge: decode %s result: %w", method, uerr)
		}
	}
	log.Debug().Msg("bridge: call ok")
	return nil
}

func mapBridgeError(env invokeEnvelope) error {
	ref, _ := env.Detail["ref"].(string)
	switch env.Kind {
	case "ElementNotFound":
		return &verdexerr.ElementNotFound{Ref: ref}
	case "StaleElement":
		role, _ := env.Detail["role"].(string)
		name, _ := env.Detail["name"].(string)
		return &verdexerr.StaleElement{Ref: ref, Role: role, Name: name}
	default:
		return &verdexerr.BridgeMethodException{Method: env.Kind, Message: env.Message}
	}
}

// Dispose is idempotent: the first call unregisters the on-new-document
// script, removes every listener wireEvents subscribed, rejects any
// frame latch still pending with a FrameDetached error, and drops all
// frame state; later calls are no-ops. The underlying CDP session is
// closed by the caller (it may be shared elsewhere), matching the
// teacher's controller.Close not owning the browser process it was
// handed.
func (inj *Injector) Dispose() {
	inj.mu.Lock()
	if inj.disposed {
		inj.mu.Unlock()
		return
	}
	inj.disposed = true

	scriptID := inj.scriptID
	inj.scriptID = ""
	offs := inj.unsubscribe
	inj.unsubscribe = nil
	frames := inj.frames
	inj.frames = make(map[cdp.FrameID]*FrameState)
	inj.mu.Unlock()

	for _, off := range offs {
		off()
	}

	if scriptID != "" {
		params := page.RemoveScriptToEvaluateOnNewDocument(scriptID)
		if err := inj.session.Send("Page.removeScriptToEvaluateOnNewDocument", params, nil); err != nil {
			inj.log.Warn().Err(err).Msg("bridge: failed to unregister on-new-document script")
		}
	}

	for _, state := range frames {
		state.markReady(&verdexerr.FrameDetached{FrameID: string(state.FrameID)})
	}
}
