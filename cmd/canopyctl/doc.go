// Package main provides the entry point for canopyctl.
//
// canopyctl is the command-line inspection tool for Canopy journals:
//
//   - Tree-shape dump from a metadata journal
//   - Effective runtime-parameter display
//
// Usage:
//
//	canopyctl [command] [flags]
//	canopyctl dump --journal /var/lib/canopy/journal --cnid 1
//	canopyctl params --config canopy.yaml
//
// @design DS-0601
package main
