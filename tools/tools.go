//go:build tools
// +build tools

// Package tools documents the development tools this repository uses.
//
// mockgen is not listed here: the go:generate directives in
// internal/mocks invoke it with `go run go.uber.org/mock/mockgen`, so
// its version is pinned by go.mod like any other dependency.
package tools

// Tools installed outside the module (via `go install`):
//
// air - live reload during local development
//   Install: go install github.com/air-verse/air@v1.63.0
//   Docs: https://github.com/air-verse/air
