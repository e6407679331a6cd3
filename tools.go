//go:build tools

// Package tools tracks the code generators run by go generate.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
