// Package browserproc owns the single Chromium process Verdex drives:
// starting Playwright, launching the browser, and handing out either the
// browser's default context/page (the "default" role) or a fresh isolated
// context (every other role). It is adapted from the teacher's
// internal/browser package, trimmed to process/context lifecycle only —
// the click/fill/read surface that package exposed belongs to the Bridge
// now, not the browser process wrapper.
package browserproc

import (
	"fmt"
	"os"
	"strconv"

	"github.com/playwright-community/playwright-go"
)

// Launcher owns the Playwright runtime and the single Chromium browser
// process for the lifetime of the program.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser

	defaultContext playwright.BrowserContext
	defaultPage    playwright.Page
}

// Options configures the launched browser process.
type Options struct {
	Headless bool
}

// OptionsFromEnv mirrors the teacher's parseBoolEnv idiom for a
// VERDEX_HEADLESS toggle, defaulting to headless true.
func OptionsFromEnv() Options {
	return Options{Headless: parseBoolEnv("VERDEX_HEADLESS", true)}
}

func parseBoolEnv(name string, def bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// NewLauncher installs (if needed) and starts Playwright, launches
// Chromium, and opens the default context/page used by the "default"
// role.
func NewLauncher(opts Options) (*Launcher, error) {
	if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
		return nil, wrap("install playwright", err)
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, wrap("start playwright", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, wrap("launch chromium", err)
	}

	contexts := browser.Contexts()
	var defaultCtx playwright.BrowserContext
	if len(contexts) > 0 {
		defaultCtx = contexts[0]
	} else {
		defaultCtx, err = browser.NewContext()
		if err != nil {
			_ = browser.Close()
			_ = pw.Stop()
			return nil, wrap("open default context", err)
		}
	}

	pages := defaultCtx.Pages()
	var defaultPage playwright.Page
	if len(pages) > 0 {
		defaultPage = pages[0]
	} else {
		defaultPage, err = defaultCtx.NewPage()
		if err != nil {
			_ = browser.Close()
			_ = pw.Stop()
			return nil, wrap("open default page", err)
		}
	}

	return &Launcher{
		pw:             pw,
		browser:        browser,
		defaultContext: defaultCtx,
		defaultPage:    defaultPage,
	}, nil
}

// DefaultContext returns the browser's first context, shared by the
// "default" role.
func (l *Launcher) DefaultContext() playwright.BrowserContext { return l.defaultContext }

// DefaultPage returns the page living in the default context.
func (l *Launcher) DefaultPage() playwright.Page { return l.defaultPage }

// NewIsolatedContext opens a fresh, incognito-style context for a non-
// default role, with its own page already created.
func (l *Launcher) NewIsolatedContext() (playwright.BrowserContext, playwright.Page, error) {
	ctx, err := l.browser.NewContext()
	if err != nil {
		return nil, nil, wrap("open isolated context", err)
	}
	page, err := ctx.NewPage()
	if err != nil {
		_ = ctx.Close()
		return nil, nil, wrap("open isolated page", err)
	}
	return ctx, page, nil
}

// Close tears down the browser and the Playwright runtime. Safe to call
// once; callers should not reuse the Launcher afterward.
func (l *Launcher) Close() error {
	if l.browser != nil {
		if err := l.browser.Close(); err != nil {
			return wrap("close browser", err)
		}
	}
	if l.pw != nil {
		if err := l.pw.Stop(); err != nil {
			return wrap("stop playwright", err)
		}
	}
	return nil
}

func wrap(action string, err error) error {
	return fmt.Errorf("browserproc: %s: %w", action, err)
}
