// Package config provides configuration loading and validation for the voice
// capture service. It reads YAML on top of built-in defaults, applies
// VOICECAP_* environment overrides, and validates each section.
package config
