//go:build tools

// Package pigeon tracks tool dependencies invoked through go generate.
package pigeon

import (
	_ "go.uber.org/mock/mockgen"
)
