// Package verdexerr defines the typed error kinds the bridge and runtime
// layers return, so callers can branch on failure class with errors.As
// instead of matching on error strings.
package verdexerr

import "fmt"

// ElementNotFound is returned when a ref does not appear in the current
// ElementsMap — the caller is holding a ref from a snapshot that predates
// the one the element was assigned in, or never took one.
type ElementNotFound struct {
	Ref string
}

func (e *ElementNotFound) Error() string {
	return fmt.Sprintf("element %s not found; take a fresh snapshot", e.Ref)
}

// StaleElement is returned when a ref resolves to a DOM node that is no
// longer connected to the document (removed, replaced, or its frame
// navigated out from under it).
type StaleElement struct {
	Ref  string
	Role string
	Name string
}

func (e *StaleElement) Error() string {
	return fmt.Sprintf("element %s (role=%s name=%q) is stale; take a fresh snapshot", e.Ref, e.Role, e.Name)
}

// FrameDetached is returned when an operation targets a frame that has
// been removed from the page's frame tree since its FrameState was built.
type FrameDetached struct {
	FrameID string
}

func (e *FrameDetached) Error() string {
	return fmt.Sprintf("frame %s detached", e.FrameID)
}

// FrameInjectionError wraps a failure to register or run the bridge bundle
// in a frame's isolated world, across all three registration tiers.
type FrameInjectionError struct {
	FrameID string
	Tier    string
	Err     error
}

func (e *FrameInjectionError) Error() string {
	return fmt.Sprintf("frame %s: bridge injection failed at tier %q: %v", e.FrameID, e.Tier, e.Err)
}

func (e *FrameInjectionError) Unwrap() error { return e.Err }

// BridgeVersionMismatch is returned when a frame's live __BridgeFactory__
// reports a version string different from bridgejs.Version, e.g. because
// the page cached an on-new-document script from a previous bundle.
type BridgeVersionMismatch struct {
	FrameID string
	Want    string
	Got     string
}

func (e *BridgeVersionMismatch) Error() string {
	return fmt.Sprintf("frame %s: bridge version mismatch: want %s, got %s", e.FrameID, e.Want, e.Got)
}

// NavigationError wraps a failed or timed-out Navigate call.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// RoleInitError wraps a failure to construct a RoleContext — browser
// context creation, applying a loaded auth state, opening the CDP session,
// or setting up the bridge Injector. An unreadable auth-state file and a
// failed default-URL seed navigation are logged, not returned.
type RoleInitError struct {
	Role string
	Err  error
}

func (e *RoleInitError) Error() string {
	return fmt.Sprintf("role %q init: %v", e.Role, e.Err)
}

func (e *RoleInitError) Unwrap() error { return e.Err }

// BridgeMethodException wraps an exception thrown by a Bridge method
// inside the page (reported in the Bridge's invoke result envelope) that
// isn't one of the typed kinds above.
type BridgeMethodException struct {
	Method  string
	Message string
}

func (e *BridgeMethodException) Error() string {
	return fmt.Sprintf("bridge method %s raised: %s", e.Method, e.Message)
}
