package artifacts

import _ "embed"

// DefaultConfig is the commented default configuration written to
// <home>/config.yaml on first run.
//
//go:embed default_config.yaml
var DefaultConfig []byte
