// Package config parses Verdex's process arguments and auth-state files.
//
// The auth-state JSON shape intentionally matches Playwright's own
// BrowserContext.StorageState() output (cookies + per-origin localStorage
// entries) rather than inventing a new schema; internal/runtime applies it
// with BrowserContext.AddCookies and a localStorage.setItem loop on a
// scratch page per origin. Per-origin sessionStorage entries are not
// decoded and are not applied.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Cookie mirrors one entry of Playwright's storage-state cookie array.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageEntry is one localStorage key-value pair scoped to an Origin.
type StorageEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Origin groups the storage entries that must be seeded for one origin
// before a role's first navigation.
type Origin struct {
	Origin       string         `json:"origin"`
	LocalStorage []StorageEntry `json:"localStorage,omitempty"`
}

// AuthState is the full contents of a role's auth-state JSON file.
type AuthState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// LoadAuthState reads and decodes an auth-state file. A missing file is
// returned as the os.ReadFile error, so callers can tell it apart with
// os.IsNotExist; internal/runtime skips loading when no auth file is
// configured and logs any load error as a warning.
func LoadAuthState(path string) (AuthState, error) {
	var state AuthState
	raw, err := os.ReadFile(path)
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("config: parse auth state %s: %w", path, err)
	}
	return state, nil
}

// RoleConfig is one --role entry: a role name, its auth-state file, and
// an optional default URL seeded only on that role's first navigation
// from about:blank.
type RoleConfig struct {
	Name       string
	AuthFile   string
	DefaultURL *url.URL
}

// ParseRoles reads repeated "--role <name> <auth-file> [default-url]"
// groups out of args (typically flag.Args()). Each group consumes either
// two or three tokens; a malformed group is a hard error rather than a
// best-effort skip, since a silently-dropped role would leave an operator
// believing auth state was loaded when it wasn't. The third token is only
// adopted as a default-url if it parses as an absolute URL (a non-empty
// scheme); otherwise it is left unconsumed for the next group's --role
// check to reject, since url.Parse alone accepts almost any bare word as
// a relative reference.
func ParseRoles(args []string) ([]RoleConfig, error) {
	var roles []RoleConfig
	i := 0
	for i < len(args) {
		if args[i] != "--role" {
			return nil, fmt.Errorf("config: unexpected argument %q, expected --role", args[i])
		}
		i++
		if i >= len(args) {
			return nil, fmt.Errorf("config: --role requires a name")
		}
		name := args[i]
		i++
		if i >= len(args) {
			return nil, fmt.Errorf("config: --role %s requires an auth-state file", name)
		}
		authFile := args[i]
		i++

		var defaultURL *url.URL
		if i < len(args) && args[i] != "--role" {
			if parsed, err := url.Parse(args[i]); err == nil && parsed.IsAbs() {
				defaultURL = parsed
				i++
			}
		}

		roles = append(roles, RoleConfig{Name: name, AuthFile: authFile, DefaultURL: defaultURL})
	}
	return roles, nil
}
