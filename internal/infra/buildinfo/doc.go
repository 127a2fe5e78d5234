// Package buildinfo provides build information for Canopy.
//
// This package exposes build-time information injected via ldflags:
//
//   - Version: Semantic version (e.g., "1.0.0")
//   - Commit: Git commit hash
//   - BuildTime: Build timestamp
//   - GoVersion: Go compiler version
//
// Usage:
//
//	go build -ldflags "-X github.com/yndnr/canopy-go/internal/infra/buildinfo.Version=1.0.0 -X github.com/yndnr/canopy-go/internal/infra/buildinfo.Commit=abc123"
//
// @design DS-0501
package buildinfo
