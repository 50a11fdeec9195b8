// Package config loads, validates, and defaults the docflow TOML
// configuration. All timing knobs are integer seconds; duration helpers on
// the section structs convert them for callers.
package config
