//go:build integration

// Package integration provides integration tests for the ttscache daemon.
//
// These tests wire the full stack: a disk-backed store, the generation
// pool against stub speech backends, the prefetcher, the session bridge
// and the HTTP API served over a real listener. They touch the disk and
// real sockets, so they are tagged out of the default unit run.
// Run with: go test -tags=integration ./integration/...
package integration
