// Package discovery runs the stages that turn a root domain into a set of
// live subdomains served over HTTP. A stage is either an external tool driven over
// stdin/stdout or a built-in implementation with the same contract.
package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/anstrom/subwatch/internal/config"
)

// Stage names used in logs, metrics and errors.
const (
	StageEnumerate = "enumerate"
	StageLiveness  = "liveness"
	StageHTTP      = "http"
)

// DefaultStageTimeout bounds a single stage when none is configured.
const DefaultStageTimeout = 120 * time.Second

// Stage transforms a list of entries into another list of entries. An
// empty input yields an empty output. Failures are *errors.StageError.
type Stage interface {
	Name() string
	Run(ctx context.Context, input []string) ([]string, error)
}

// Chain is the ordered enumerate, liveness, http sequence.
type Chain struct {
	Enumerate Stage
	Liveness  Stage
	HTTP      Stage
}

// Stages returns the chain in execution order.
func (c *Chain) Stages() []Stage {
	return []Stage{c.Enumerate, c.Liveness, c.HTTP}
}

// NewChain builds the stage chain described by cfg.
func NewChain(cfg config.DiscoveryConfig) *Chain {
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}

	chain := &Chain{
		Enumerate: NewCommandStage(StageEnumerate, cfg.Enumerate.Command, cfg.Enumerate.Args, timeout),
		HTTP:      NewCommandStage(StageHTTP, cfg.HTTP.Command, cfg.HTTP.Args, timeout),
	}

	if cfg.LivenessMode == "dns" {
		chain.Liveness = NewDNSStage(DNSOptions{
			Resolvers:         cfg.DNS.Resolvers,
			Concurrency:       cfg.DNS.Concurrency,
			RequestsPerSecond: cfg.DNS.RequestsPerSecond,
			QueryTimeout:      cfg.DNS.Timeout,
			StageTimeout:      timeout,
		})
	} else {
		chain.Liveness = NewCommandStage(StageLiveness, cfg.Liveness.Command, cfg.Liveness.Args, timeout)
	}

	return chain
}

// normalizeLines trims each line, drops blanks and removes duplicates
// while keeping first-seen order.
func normalizeLines(raw string) []string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
