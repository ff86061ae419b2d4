//go:build tools

// Package linechat pins code generators used by go:generate so that they are
// versioned in go.mod.
package linechat

import (
	_ "go.uber.org/mock/mockgen"
)
