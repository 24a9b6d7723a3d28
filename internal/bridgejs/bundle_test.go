package bridgejs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleEmbedsFactory(t *testing.T) {
	require.NotEmpty(t, Bundle)
	assert.Contains(t, Bundle, "__BridgeFactory__")
	assert.Contains(t, Bundle, "version: BRIDGE_VERSION")
}

func TestVersionMatchesBundleLiteral(t *testing.T) {
	assert.True(t, strings.Contains(Bundle, `"`+Version+`"`), "bundle BRIDGE_VERSION literal must match exported Version constant")
}
