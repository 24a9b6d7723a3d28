// Package runtime implements the Multi-Context Runtime: one browser
// context per role, a ref index that resolves cross-frame qualified refs
// back to the frame that owns them, and the operation surface
// (Navigate/Snapshot/Click/Type/Inspect/...) the rest of Verdex drives.
package runtime

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/verdex-dev/verdex/internal/bridge"
	"github.com/verdex-dev/verdex/internal/browserproc"
	"github.com/verdex-dev/verdex/internal/cdpsession"
	"github.com/verdex-dev/verdex/internal/config"
	"github.com/verdex-dev/verdex/internal/verdexerr"
)

const defaultRoleName = "default"

type frameRef struct {
	frameID cdp.FrameID
	local   string
}

// RoleContext is everything a role needs to operate independently of
// every other role: its own browser context, page, bridge Injector, and
// the ref index rebuilt on every Snapshot call.
type RoleContext struct {
	name    string
	context playwright.BrowserContext
	page    playwright.Page
	session *cdpsession.Session
	inj     *bridge.Injector

	defaultURL string
	seeded     bool

	mu        sync.Mutex
	refIndex  map[string]frameRef
	frameByID map[cdp.FrameID]playwright.Frame
}

// roleSlot coalesces concurrent construction of the same role's
// RoleContext behind one singleflight call, so two callers racing a
// SelectRole for a role that hasn't been built yet share one browser
// context instead of creating two.
type roleSlot struct {
	group singleflight.Group
	ctx   atomic.Pointer[RoleContext]
}

// Runtime is the top-level Multi-Context Runtime.
type Runtime struct {
	launcher *browserproc.Launcher
	log      zerolog.Logger
	cfg      bridge.Config

	mu     sync.Mutex
	roles  map[string]config.RoleConfig
	slots  map[string]*roleSlot
	active atomic.Pointer[string]
}

// New builds a Runtime over an already-started Launcher. roleConfigs may
// be empty; the "default" role is always implicitly available and maps
// to the launcher's default context.
func New(launcher *browserproc.Launcher, roleConfigs []config.RoleConfig, log zerolog.Logger, cfg bridge.Config) *Runtime {
	rt := &Runtime{
		launcher: launcher,
		log:      log,
		cfg:      cfg,
		roles:    make(map[string]config.RoleConfig),
		slots:    make(map[string]*roleSlot),
	}
	for _, rc := range roleConfigs {
		rt.roles[rc.Name] = rc
	}
	def := defaultRoleName
	rt.active.Store(&def)
	return rt
}

func (rt *Runtime) slotFor(name string) *roleSlot {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	slot, ok := rt.slots[name]
	if !ok {
		slot = &roleSlot{}
		rt.slots[name] = slot
	}
	return slot
}

// buildRoleContext constructs the browser context/page for a role,
// applies its auth state, and seeds its default URL. A failed build does
// not poison the slot: the singleflight group naturally allows a later
// retry once this call's group key is forgotten.
func (rt *Runtime) buildRoleContext(ctx context.Context, name string) (*RoleContext, error) {
	var bctx playwright.BrowserContext
	var page playwright.Page
	var err error

	if name == defaultRoleName {
		bctx = rt.launcher.DefaultContext()
		page = rt.launcher.DefaultPage()
	} else {
		bctx, page, err = rt.launcher.NewIsolatedContext()
		if err != nil {
			return nil, &verdexerr.RoleInitError{Role: name, Err: err}
		}
	}

	roleCfg, hasCfg := rt.roles[name]
	if hasCfg && roleCfg.AuthFile != "" {
		if err := applyAuthState(bctx, roleCfg.AuthFile, rt.log.With().Str("role", name).Logger()); err != nil {
			return nil, &verdexerr.RoleInitError{Role: name, Err: err}
		}
	}

	cdpSession, err := bctx.NewCDPSession(page)
	if err != nil {
		return nil, &verdexerr.RoleInitError{Role: name, Err: fmt.Errorf("open cdp session: %w", err)}
	}

	inj, err := bridge.New(ctx, cdpSession, rt.log.With().Str("role", name).Str("comp", "bridge").Logger(), rt.cfg)
	if err != nil {
		return nil, &verdexerr.RoleInitError{Role: name, Err: err}
	}

	rc := &RoleContext{
		name:      name,
		context:   bctx,
		page:      page,
		session:   cdpsession.Wrap(cdpSession),
		inj:       inj,
		refIndex:  make(map[string]frameRef),
		frameByID: make(map[cdp.FrameID]playwright.Frame),
	}
	if hasCfg && roleCfg.DefaultURL != nil {
		rc.defaultURL = roleCfg.DefaultURL.String()
	}

	if rc.defaultURL != "" && isBlank(page.URL()) {
		if _, err := rt.navigate(ctx, rc, rc.defaultURL); err != nil {
			rt.log.Warn().Str("role", name).Err(err).Msg("runtime: default url seed navigation failed")
		}
		rc.seeded = true
	}

	return rc, nil
}

func isBlank(u string) bool {
	return u == "" || u == "about:blank"
}

func applyAuthState(bctx playwright.BrowserContext, authFile string, log zerolog.Logger) error {
	state, err := config.LoadAuthState(authFile)
	if err != nil {
		log.Warn().Err(err).Str("file", authFile).Msg("runtime: auth state not loaded")
		return nil
	}

	if len(state.Cookies) > 0 {
		cookies := make([]playwright.OptionalCookie, 0, len(state.Cookies))
		for _, c := range state.Cookies {
			cookies = append(cookies, playwright.OptionalCookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   playwright.String(c.Domain),
				Path:     playwright.String(c.Path),
				HttpOnly: playwright.Bool(c.HTTPOnly),
				Secure:   playwright.Bool(c.Secure),
			})
		}
		if err := bctx.AddCookies(cookies); err != nil {
			return fmt.Errorf("apply cookies: %w", err)
		}
	}

	for _, origin := range state.Origins {
		if len(origin.LocalStorage) == 0 {
			continue
		}
		scratch, err := bctx.NewPage()
		if err != nil {
			return fmt.Errorf("open storage seed page for %s: %w", origin.Origin, err)
		}
		if _, err := scratch.Goto(origin.Origin); err != nil {
			_ = scratch.Close()
			log.Warn().Err(err).Str("origin", origin.Origin).Msg("runtime: could not navigate to seed local storage")
			continue
		}
		_, err = scratch.Evaluate(
			`(entries) => { for (const e of entries) { window.localStorage.setItem(e.name, e.value); } }`,
			origin.LocalStorage,
		)
		_ = scratch.Close()
		if err != nil {
			return fmt.Errorf("seed local storage for %s: %w", origin.Origin, err)
		}
	}

	return nil
}

// roleContext returns the RoleContext for name, building it on first use.
func (rt *Runtime) roleContext(ctx context.Context, name string) (*RoleContext, error) {
	slot := rt.slotFor(name)
	if rc := slot.ctx.Load(); rc != nil {
		return rc, nil
	}
	v, err, _ := slot.group.Do(name, func() (interface{}, error) {
		if rc := slot.ctx.Load(); rc != nil {
			return rc, nil
		}
		rc, err := rt.buildRoleContext(ctx, name)
		if err != nil {
			return nil, err
		}
		slot.ctx.Store(rc)
		return rc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RoleContext), nil
}

func (rt *Runtime) currentRoleContext(ctx context.Context) (*RoleContext, error) {
	name := defaultRoleName
	if p := rt.active.Load(); p != nil {
		name = *p
	}
	return rt.roleContext(ctx, name)
}

// SelectRole switches the active role, building its RoleContext if this
// is the first selection.
func (rt *Runtime) SelectRole(ctx context.Context, name string) error {
	if _, err := rt.roleContext(ctx, name); err != nil {
		return err
	}
	rt.active.Store(&name)
	return nil
}

// CurrentRole returns the active role's name.
func (rt *Runtime) CurrentRole() string {
	if p := rt.active.Load(); p != nil {
		return *p
	}
	return defaultRoleName
}

// ListRoles returns the configured role names plus "default".
func (rt *Runtime) ListRoles() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	names := []string{defaultRoleName}
	for name := range rt.roles {
		if name != defaultRoleName {
			names = append(names, name)
		}
	}
	return names
}

// NavigateResult reports the outcome of a Navigate call.
type NavigateResult struct {
	URL       string
	Elapsed   time.Duration
	Redirects int
}

// Navigate loads url in the active role's page and waits for network
// idle.
func (rt *Runtime) Navigate(ctx context.Context, url string) (NavigateResult, error) {
	rc, err := rt.currentRoleContext(ctx)
	if err != nil {
		return NavigateResult{}, err
	}
	return rt.navigate(ctx, rc, url)
}

func (rt *Runtime) navigate(_ context.Context, rc *RoleContext, url string) (NavigateResult, error) {
	start := time.Now()
	var redirects int32
	handler := func(resp playwright.Response) {
		status := resp.Status()
		if status >= 300 && status < 400 && resp.URL() != url {
			atomic.AddInt32(&redirects, 1)
		}
	}
	rc.page.OnResponse(handler)
	defer rc.page.RemoveListener("response", handler)

	_, err := rc.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	})
	if err != nil {
		return NavigateResult{}, &verdexerr.NavigationError{URL: url, Err: err}
	}

	return NavigateResult{
		URL:       rc.page.URL(),
		Elapsed:   time.Since(start),
		Redirects: int(atomic.LoadInt32(&redirects)),
	}, nil
}

// SnapshotResult is the rendered accessibility snapshot plus its element
// count, aggregated across the main frame and every live child frame.
type SnapshotResult struct {
	Text         string
	ElementCount int
}

// Snapshot renders the active role's page, recursively splicing in
// iframe subtrees with their refs qualified as f<k>_e<n>, and rebuilds
// the role's ref index for subsequent operation calls.
func (rt *Runtime) Snapshot(ctx context.Context) (SnapshotResult, error) {
	rc, err := rt.currentRoleContext(ctx)
	if err != nil {
		return SnapshotResult{}, err
	}

	frameTree, err := rt.getFrameTree(rc)
	if err != nil {
		return SnapshotResult{}, err
	}

	refIndex := make(map[string]frameRef)
	frameByID := make(map[cdp.FrameID]playwright.Frame)
	counter := 0

	text, count, err := rt.snapshotNode(ctx, rc, frameTree, rc.page.MainFrame(), "", refIndex, frameByID, &counter)
	if err != nil {
		return SnapshotResult{}, err
	}

	rc.mu.Lock()
	rc.refIndex = refIndex
	rc.frameByID = frameByID
	rc.mu.Unlock()

	return SnapshotResult{Text: text, ElementCount: count}, nil
}

func (rt *Runtime) getFrameTree(rc *RoleContext) (*page.FrameTree, error) {
	var resp page.GetFrameTreeReturns
	if err := rc.session.Send("Page.getFrameTree", nil, &resp); err != nil {
		return nil, fmt.Errorf("runtime: get frame tree: %w", err)
	}
	return resp.FrameTree, nil
}

// snapshotNode renders one frame's own bridge output and recurses into
// its CDP-tree children, matched positionally against Playwright's own
// child-frame list (both reflect DOM attachment order).
func (rt *Runtime) snapshotNode(
	ctx context.Context,
	rc *RoleContext,
	cdpNode *page.FrameTree,
	pwFrame playwright.Frame,
	qualPrefix string,
	refIndex map[string]frameRef,
	frameByID map[cdp.FrameID]playwright.Frame,
	counter *int,
) (string, int, error) {
	if cdpNode == nil || cdpNode.Frame == nil {
		return "", 0, nil
	}
	frameID := cdpNode.Frame.ID
	frameByID[frameID] = pwFrame

	var raw struct {
		Text         string `json:"text"`
		ElementCount int    `json:"elementCount"`
	}
	if err := rt.callSnapshot(ctx, rc, frameID, &raw); err != nil {
		return "", 0, err
	}

	if qualPrefix == "" {
		for _, ref := range extractRefs(raw.Text) {
			refIndex[ref] = frameRef{frameID: frameID, local: ref}
		}
	} else {
		raw.Text = qualifyRefs(raw.Text, qualPrefix, refIndex, frameID)
	}

	total := raw.ElementCount
	lines := strings.Split(raw.Text, "\n")

	pwChildren := pwFrame.ChildFrames()
	for i, childTree := range cdpNode.ChildFrames {
		if i >= len(pwChildren) {
			break
		}
		*counter++
		childPrefix := "f" + strconv.Itoa(*counter)
		childText, childCount, err := rt.snapshotNode(ctx, rc, childTree, pwChildren[i], childPrefix, refIndex, frameByID, counter)
		if err != nil {
			rt.log.Warn().Err(err).Str("frame", string(childTree.Frame.ID)).Msg("runtime: child frame snapshot failed, omitting subtree")
			continue
		}
		total += childCount
		lines = spliceChild(lines, i, childText)
	}

	return strings.Join(lines, "\n"), total, nil
}

var iframeLine = regexp.MustCompile(`^(\s*)- iframe\b`)

// spliceChild inserts childText, indented one level deeper, immediately
// after the occurrence-th "- iframe" line in lines (0-based). Iframe
// elements render as plain "- iframe" leaves in document order matching
// the CDP child-frame order, so the n-th iframe line lines up with the
// n-th entry in cdpNode.ChildFrames.
func spliceChild(lines []string, occurrence int, childText string) []string {
	seen := 0
	for i, line := range lines {
		m := iframeLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if seen != occurrence {
			seen++
			continue
		}
		indent := m[1] + "  "
		childLines := strings.Split(childText, "\n")
		inserted := make([]string, 0, len(lines)+len(childLines))
		inserted = append(inserted, lines[:i+1]...)
		for _, cl := range childLines {
			if cl == "" {
				continue
			}
			inserted = append(inserted, indent+cl)
		}
		inserted = append(inserted, lines[i+1:]...)
		return inserted
	}
	return lines
}

var refPattern = regexp.MustCompile(`\[ref=(e\d+)\]`)

func extractRefs(text string) []string {
	matches := refPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func qualifyRefs(text, prefix string, refIndex map[string]frameRef, frameID cdp.FrameID) string {
	return refPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := refPattern.FindStringSubmatch(m)
		local := sub[1]
		qualified := prefix + "_" + local
		refIndex[qualified] = frameRef{frameID: frameID, local: local}
		return "[ref=" + qualified + "]"
	})
}

func (rt *Runtime) callSnapshot(ctx context.Context, rc *RoleContext, frameID cdp.FrameID, out any) error {
	return rc.inj.CallMethod(ctx, frameID, "snapshot", nil, out)
}

func (rt *Runtime) resolveRef(rc *RoleContext, ref string) (cdp.FrameID, string, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if fr, ok := rc.refIndex[ref]; ok {
		return fr.frameID, fr.local, nil
	}
	return "", "", &verdexerr.ElementNotFound{Ref: ref}
}

// Click resolves ref to its owning frame and clicks it.
func (rt *Runtime) Click(ctx context.Context, ref string) error {
	rc, err := rt.currentRoleContext(ctx)
	if err != nil {
		return err
	}
	frameID, local, err := rt.resolveRef(rc, ref)
	if err != nil {
		return err
	}
	return rc.inj.CallMethod(ctx, frameID, "click", []any{local}, nil)
}

// Type resolves ref to its owning frame and types text into it.
func (rt *Runtime) Type(ctx context.Context, ref, text string) error {
	rc, err := rt.currentRoleContext(ctx)
	if err != nil {
		return err
	}
	frameID, local, err := rt.resolveRef(rc, ref)
	if err != nil {
		return err
	}
	return rc.inj.CallMethod(ctx, frameID, "type", []any{local, text}, nil)
}

// Inspect returns detailed element info for ref.
func (rt *Runtime) Inspect(ctx context.Context, ref string) (map[string]any, error) {
	rc, err := rt.currentRoleContext(ctx)
	if err != nil {
		return nil, err
	}
	frameID, local, err := rt.resolveRef(rc, ref)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := rc.inj.CallMethod(ctx, frameID, "inspect", []any{local}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveContainer returns the ancestor chain from ref up to (but
// excluding) <body>.
func (rt *Runtime) ResolveContainer(ctx context.Context, ref string) (map[string]any, error) {
	rc, err := rt.currentRoleContext(ctx)
	if err != nil {
		return nil, err
	}
	frameID, local, err := rt.resolveRef(rc, ref)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := rc.inj.CallMethod(ctx, frameID, "resolve_container", []any{local}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InspectPattern enumerates ref's siblings at a chosen ancestor level.
func (rt *Runtime) InspectPattern(ctx context.Context, ref string, ancestorLevel int) (map[string]any, error) {
	rc, err := rt.currentRoleContext(ctx)
	if err != nil {
		return nil, err
	}
	frameID, local, err := rt.resolveRef(rc, ref)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := rc.inj.CallMethod(ctx, frameID, "inspect_pattern", []any{local, ancestorLevel}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExtractAnchors describes a bounded descendant tree from a chosen
// ancestor of ref.
func (rt *Runtime) ExtractAnchors(ctx context.Context, ref string, ancestorLevel int) (map[string]any, error) {
	rc, err := rt.currentRoleContext(ctx)
	if err != nil {
		return nil, err
	}
	frameID, local, err := rt.resolveRef(rc, ref)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := rc.inj.CallMethod(ctx, frameID, "extract_anchors", []any{local, ancestorLevel}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Wait blocks for the given duration, matching the teacher's
// context-respecting WaitFor shape without needing a page-level
// predicate.
func (rt *Runtime) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down every built role's context and the bridge injectors
// that watch them, then stops the underlying browser process.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	slots := make([]*roleSlot, 0, len(rt.slots))
	for _, s := range rt.slots {
		slots = append(slots, s)
	}
	rt.mu.Unlock()

	for _, slot := range slots {
		rc := slot.ctx.Load()
		if rc == nil {
			continue
		}
		rc.inj.Dispose()
		if rc.name != defaultRoleName {
			_ = rc.context.Close()
		}
	}
	return rt.launcher.Close()
}
