// Package config loads the gatekeeper's YAML configuration and
// validates it against an embedded CUE schema before decoding.
package config
