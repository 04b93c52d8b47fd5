//go:build tools

// Package tools pins the lint and vulnerability checkers in go.mod.
// Run them with go run, e.g. go run golang.org/x/vuln/cmd/govulncheck ./...
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
)
