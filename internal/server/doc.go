// Package server implements the HTTP control API: starting, stopping and
// discarding recordings, plus health, configuration, statistics and
// Prometheus endpoints. The browser microphone WebSocket is mounted here
// when that device is in use.
package server
