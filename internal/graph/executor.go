package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Executor runs a built query against a named graph. The adapter owns graph
// selection: each tenant's graph is an isolated namespace, and a bad name is
// a hard error for the event, never executed against the wrong graph.
type Executor interface {
	Execute(ctx context.Context, graphName, query string, params map[string]any) error
}

var (
	ErrInvalidGraphName = errors.New("invalid graph name")
	ErrGraphUnavailable = errors.New("graph store unavailable")
)

// Older rows carry the pre-migration "kgraph:" / "graph:" forms; the current
// convention is a flat "graph_<slug>" key.
var legacyPrefixes = []string{"kgraph:", "graph:"}

var graphNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// NormalizeGraphName rewrites legacy prefixes to the current convention and
// validates the result.
func NormalizeGraphName(name string) (string, error) {
	name = strings.TrimSpace(name)
	for _, p := range legacyPrefixes {
		if strings.HasPrefix(name, p) {
			name = "graph_" + strings.TrimPrefix(name, p)
			break
		}
	}
	if !graphNameRe.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidGraphName, name)
	}
	return name, nil
}

// FalkorExecutor executes Cypher over the Redis protocol via GRAPH.QUERY,
// with a circuit breaker in front so a down graph store fails fast.
type FalkorExecutor struct {
	rdb          *redis.Client
	breaker      *queryBreaker
	queryTimeout time.Duration
}

type FalkorOpts struct {
	QueryTimeout         time.Duration // default 10s
	BreakerFailThreshold int           // default 5
	BreakerOpenFor       time.Duration // default 15s
}

func NewFalkorExecutor(rdb *redis.Client, opts FalkorOpts) *FalkorExecutor {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.BreakerFailThreshold <= 0 {
		opts.BreakerFailThreshold = 5
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = 15 * time.Second
	}
	return &FalkorExecutor{
		rdb:          rdb,
		breaker:      newQueryBreaker(opts.BreakerFailThreshold, opts.BreakerOpenFor),
		queryTimeout: opts.QueryTimeout,
	}
}

// Execute selects the target graph and runs the query. Parameters travel in
// the standard CYPHER prefix, so the query text itself stays parameterized.
func (e *FalkorExecutor) Execute(ctx context.Context, graphName, query string, params map[string]any) error {
	name, err := NormalizeGraphName(graphName)
	if err != nil {
		return err
	}

	if !e.breaker.TryAcquire() {
		return fmt.Errorf("%w: circuit open", ErrGraphUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	full := encodeParams(params) + query
	if err := e.rdb.Do(ctx, "GRAPH.QUERY", name, full, "--compact").Err(); err != nil {
		e.breaker.OnFailure()
		return fmt.Errorf("graph query on %s: %w", name, err)
	}

	e.breaker.OnSuccess()
	return nil
}
