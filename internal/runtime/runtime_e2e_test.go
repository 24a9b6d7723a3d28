package runtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/verdex-dev/verdex/internal/bridge"
	"github.com/verdex-dev/verdex/internal/browserproc"
	"github.com/verdex-dev/verdex/internal/runtime"
)

var playwrightCheck struct {
	once      sync.Once
	available bool
}

// requirePlaywright skips browser-driven tests in environments without a
// Chromium binary available to Playwright, the way
// haasonsaas-nexus/internal/tools/browser/browser_test.go gates its own
// suite.
func requirePlaywright(t *testing.T) *browserproc.Launcher {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser-driven test in short mode")
	}

	playwrightCheck.once.Do(func() {
		l, err := browserproc.NewLauncher(browserproc.Options{Headless: true})
		if err != nil {
			playwrightCheck.available = false
			return
		}
		playwrightCheck.available = true
		_ = l.Close()
	})
	if !playwrightCheck.available {
		t.Skip("playwright/chromium not available in this environment")
	}

	launcher, err := browserproc.NewLauncher(browserproc.Options{Headless: true})
	if err != nil {
		t.Skipf("playwright launch failed: %v", err)
	}
	return launcher
}

const fixtureHTML = `<!DOCTYPE html>
<html>
<body>
  <h1>Greeting</h1>
  <button id="greet">Say hello</button>
  <p id="out"></p>
  <script>
    document.getElementById('greet').addEventListener('click', function () {
      document.getElementById('out').textContent = 'hello';
    });
  </script>
</body>
</html>`

func newFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(fixtureHTML))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNavigateSnapshotClickRoundTrip(t *testing.T) {
	launcher := requirePlaywright(t)
	defer launcher.Close()

	srv := newFixtureServer(t)

	rt := runtime.New(launcher, nil, zerolog.Nop(), bridge.Config{})
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	navRes, err := rt.Navigate(ctx, srv.URL)
	require.NoError(t, err)
	require.Contains(t, navRes.URL, srv.URL)

	snap, err := rt.Snapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, snap.Text, "button")
	require.Greater(t, snap.ElementCount, 0)

	ref := firstRefForRole(t, snap.Text, "button")
	require.NoError(t, rt.Click(ctx, ref))

	snap2, err := rt.Snapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, snap2.Text, "- text: hello")
}

func firstRefForRole(t *testing.T, text, role string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, "- "+role) {
			continue
		}
		i := strings.Index(line, "[ref=")
		if i == -1 {
			continue
		}
		rest := line[i+len("[ref="):]
		if end := strings.Index(rest, "]"); end != -1 {
			return rest[:end]
		}
	}
	t.Fatalf("no %s with a ref found in snapshot:\n%s", role, text)
	return ""
}
