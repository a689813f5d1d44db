//go:build tools

// Package tools pins the versions of development tools used by make lint
// and make vuln.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
)
