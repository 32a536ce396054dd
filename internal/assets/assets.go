// Package assets embeds files shipped inside the binary.
package assets

import _ "embed"

// ServiceExample is a commented starting point for a service configuration.
//
//go:embed service.example.yaml
var ServiceExample []byte
