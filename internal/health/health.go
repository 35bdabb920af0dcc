// Package health wraps github.com/alexliesenfeld/health to expose an
// HTTP /healthz surface: per-endpoint liveness, backed by the RPC
// client's own health probe, and whether each direction loop's last
// pass failed.
package health

import (
	"context"
	"fmt"
	"net/http"

	"github.com/alexliesenfeld/health"
)

// EndpointProbe checks liveness of one chain endpoint.
type EndpointProbe func(ctx context.Context) error

// DirectionStatus reports whether a direction's most recent pass failed,
// and why.
type DirectionStatus func() (lastPassFailed bool, detail string)

// Builder assembles the process's health checker from its chain endpoints
// and direction loops.
type Builder struct {
	checks []health.CheckerOption
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddEndpoint registers one chain endpoint's liveness probe.
func (b *Builder) AddEndpoint(name string, probe EndpointProbe) *Builder {
	b.checks = append(b.checks, health.WithCheck(health.Check{
		Name:  "endpoint:" + name,
		Check: func(ctx context.Context) error { return probe(ctx) },
	}))
	return b
}

// AddDirection registers one direction loop's last-pass status.
func (b *Builder) AddDirection(name string, status DirectionStatus) *Builder {
	b.checks = append(b.checks, health.WithCheck(health.Check{
		Name: "direction:" + name,
		Check: func(context.Context) error {
			failed, detail := status()
			if failed {
				return fmt.Errorf("last pass failed: %s", detail)
			}
			return nil
		},
	}))
	return b
}

// Handler builds the /healthz http.Handler from every registered check.
func (b *Builder) Handler() http.Handler {
	checker := health.NewChecker(b.checks...)
	return health.NewHandler(checker)
}
