// Package bridgejs embeds the in-page bridge bundle injected into every
// frame's isolated world by internal/bridge.
package bridgejs

import _ "embed"

//go:embed bundle.js
var Bundle string

// Version must match the `version` field __BridgeFactory__ reports at
// runtime; internal/bridge compares the two and surfaces a
// BridgeVersionMismatch error on drift (e.g. a stale page caches an older
// on-new-document script across a Chrome process restart).
const Version = "1.0.0"
