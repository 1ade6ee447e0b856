package device

import (
	"fmt"
	"strings"
)

// NewBackend returns the backend registered under name. Only the CPU
// backend ships with this build.
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", "cpu":
		return NewCPUBackend(), nil
	case "metal", "cuda", "gpu":
		return nil, fmt.Errorf("backend %q is not available in this build", name)
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
