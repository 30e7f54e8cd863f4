package sandbox

import (
	"path/filepath"
	"strings"
)

// Policy decides which binaries may run and which environment variables
// reach them.
type Policy struct {
	allowedBins   map[string]bool
	blockedEnvSet map[string]bool
}

// NewPolicy creates a Policy from the sandbox config.
func NewPolicy(cfg Config) *Policy {
	p := &Policy{
		allowedBins:   make(map[string]bool),
		blockedEnvSet: make(map[string]bool),
	}
	for _, b := range cfg.AllowedBins {
		p.allowedBins[b] = true
	}
	for _, env := range cfg.BlockedEnv {
		p.blockedEnvSet[env] = true
	}
	return p
}

// IsBinAllowed checks a binary path by its base name.
func (p *Policy) IsBinAllowed(bin string) bool {
	return p.allowedBins[filepath.Base(bin)]
}

// FilterEnv returns a copy of env without blocked variables.
func (p *Policy) FilterEnv(env map[string]string) map[string]string {
	filtered := make(map[string]string, len(env))
	for k, v := range env {
		if p.blockedEnvSet[k] || hasBlockedPrefix(k) {
			continue
		}
		filtered[k] = v
	}
	return filtered
}

func hasBlockedPrefix(name string) bool {
	for _, prefix := range blockedEnvPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
