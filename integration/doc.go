//go:build integration

// Package integration provides integration tests for warmcache.
//
// These tests require Docker and serve the site from a real nginx container
// using testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
