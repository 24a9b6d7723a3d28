// Package cdpsession wraps a playwright.CDPSession with typed cdproto
// marshal/unmarshal helpers, so callers issue real cdproto param structs
// and receive real cdproto event structs instead of hand-rolled
// map[string]interface{} payloads.
//
// playwright-go's CDPSession.Send and .On both speak
// map[string]interface{} / json.RawMessage under the hood; Session bridges
// that untyped wire format to cdproto's generated structs with one JSON
// round-trip per call, the way the teacher's own single
// cdpSession.Send("Accessibility.getFullAXTree", map[string]interface{}{})
// call does manually, just generalized to arbitrary commands.
package cdpsession

import (
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// Session is a typed façade over a Playwright CDP session scoped to one
// page.
type Session struct {
	raw playwright.CDPSession
}

// Wrap adapts an already-opened Playwright CDP session.
func Wrap(raw playwright.CDPSession) *Session {
	return &Session{raw: raw}
}

// Send marshals params, sends method over the wire, and unmarshals the
// result into result (which may be nil if the caller doesn't need it).
func (s *Session) Send(method string, params any, result any) error {
	payload := map[string]interface{}{}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("cdpsession: marshal params for %s: %w", method, err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("cdpsession: re-decode params for %s: %w", method, err)
		}
	}

	resp, err := s.raw.Send(method, payload)
	if err != nil {
		return fmt.Errorf("cdpsession: send %s: %w", method, err)
	}
	if result == nil {
		return nil
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cdpsession: marshal response for %s: %w", method, err)
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("cdpsession: decode response for %s: %w", method, err)
	}
	return nil
}

// On registers a handler for a CDP event, decoding its payload into the
// value shape points to each time the event fires. The same value is
// reused for every event, so fields absent from a later payload keep their
// earlier values. It returns an unsubscribe func that removes this exact
// listener; typical usage is
//
//	var evt cdppage.EventFrameNavigated
//	off := session.On("Page.frameNavigated", &evt, func() { ... read evt ... })
//	defer off()
func (s *Session) On(event string, shape any, handler func()) func() {
	wrapped := func(params map[string]interface{}) {
		raw, err := json.Marshal(params)
		if err != nil {
			return
		}
		if err := json.Unmarshal(raw, shape); err != nil {
			return
		}
		handler()
	}
	s.raw.On(event, wrapped)
	return func() { s.raw.RemoveListener(event, wrapped) }
}

// Detach closes the underlying CDP session.
func (s *Session) Detach() error {
	return s.raw.Detach()
}
