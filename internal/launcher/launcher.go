// Package launcher spawns agent adapter subprocesses, trying an ordered list
// of candidate executables per provider.
package launcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// Candidate is one way to start a provider's adapter.
type Candidate struct {
	Command string
	Args    []string
}

// PreferNpx flips the candidate order so fetch-and-run wrappers are tried
// before locally installed binaries. Set via AGENTHOST_PREFER=npx.
const PreferNpx = "npx"

// adapterTable lists the known providers. For each provider the first entry
// is the locally installed binary, the second the npx wrapper.
var adapterTable = map[string][]Candidate{
	"claude": {
		{Command: "claude-code-acp"},
		{Command: "npx", Args: []string{"-y", "@zed-industries/claude-code-acp"}},
	},
	"gemini": {
		{Command: "gemini", Args: []string{"--experimental-acp"}},
		{Command: "npx", Args: []string{"-y", "@google/gemini-cli", "--experimental-acp"}},
	},
	"codex": {
		{Command: "codex-acp"},
		{Command: "npx", Args: []string{"-y", "@openai/codex-acp"}},
	},
}

// Candidates returns the ordered candidate list for a provider, empty when
// the provider is unknown. prefer reorders local-vs-npx per the environment
// preference.
func Candidates(providerID, prefer string) []Candidate {
	base := adapterTable[providerID]
	out := make([]Candidate, len(base))
	copy(out, base)
	if prefer == PreferNpx {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// LaunchConfig holds everything needed to spawn an adapter.
type LaunchConfig struct {
	ProviderID string
	Cwd        string
	// Prefer reorders candidates; see PreferNpx.
	Prefer string
	// ExtraEnv is appended to the minimal base environment.
	ExtraEnv []string
}

// Launch tries each candidate in order. A missing executable advances to the
// next candidate; any other spawn failure is terminal and surfaced
// immediately. Returns the live process on first success.
func Launch(cfg LaunchConfig) (*Process, error) {
	candidates := Candidates(cfg.ProviderID, cfg.Prefer)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no adapter available for provider %q", cfg.ProviderID)
	}

	for _, cand := range candidates {
		proc, err := start(cand, cfg.Cwd, cfg.ExtraEnv)
		if err == nil {
			slog.Info("adapter process started",
				"provider", cfg.ProviderID, "command", cand.Command, "pid", proc.Pid())
			return proc, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			slog.Debug("adapter candidate not found, trying next",
				"provider", cfg.ProviderID, "command", cand.Command)
			continue
		}
		return nil, fmt.Errorf("spawn %s: %w", cand.Command, err)
	}

	return nil, fmt.Errorf("no adapter available for provider %q", cfg.ProviderID)
}
