package execution

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// Signer turns a built intent into signed raw transactions.
type Signer interface {
	Ref() string
	Sign(ctx context.Context, intent domain.ExecutionIntent) (domain.SignedPayload, error)
}

// Submitter broadcasts a signed payload and waits for inclusion until ctx is
// done. ErrNotIncluded and ErrPreempted are the expected failure answers.
type Submitter interface {
	Name() string
	Submit(ctx context.Context, intent domain.ExecutionIntent, payload domain.SignedPayload) (domain.Receipt, error)
}

// Router maps execution strategy ids to submission routes.
type Router struct {
	routes map[string]Submitter
}

// NewRouter creates a Router. Nil submitters are skipped.
func NewRouter(routes map[string]Submitter) *Router {
	r := &Router{routes: make(map[string]Submitter, len(routes))}
	for id, s := range routes {
		if s != nil {
			r.routes[id] = s
		}
	}
	return r
}

// For returns the route for strategyID.
func (r *Router) For(strategyID string) (Submitter, error) {
	s, ok := r.routes[strategyID]
	if !ok {
		return nil, fmt.Errorf("execution: no submitter for strategy %q", strategyID)
	}
	return s, nil
}

// Supports reports whether strategyID has a route.
func (r *Router) Supports(strategyID string) bool {
	_, ok := r.routes[strategyID]
	return ok
}
