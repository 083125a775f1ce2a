// Package util contains helpers shared by tests
package util

import (
	"os"

	"golang.org/x/exp/slices"
)

// IsTestGenerationMode returns true if tests run with the "gen" argument to rewrite expected outputs
//
// e.g. go test ./dump -args gen
func IsTestGenerationMode() bool {
	return slices.Contains(os.Args, "gen")
}
