package engine

import (
	"context"

	"github.com/petrijr/vuo/pkg/api"
)

// Use appends a middleware; the first registered is outermost.
func (e *engineImpl) Use(mw api.Middleware) api.Engine {
	e.mwMu.Lock()
	defer e.mwMu.Unlock()
	e.middlewares = append(e.middlewares, mw)
	return e
}

// ClearMiddleware empties the chain.
func (e *engineImpl) ClearMiddleware() {
	e.mwMu.Lock()
	defer e.mwMu.Unlock()
	e.middlewares = nil
}

// buildChain composes the registered middlewares around the core
// step. The chain is rebuilt on every execute, so registrations take
// effect immediately. With no middlewares the core step is invoked
// directly.
func (e *engineImpl) buildChain(mc *api.MiddlewareContext, core api.NextFunc) api.NextFunc {
	e.mwMu.Lock()
	mws := append([]api.Middleware(nil), e.middlewares...)
	e.mwMu.Unlock()

	next := core
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func(ctx context.Context) (*api.ExecuteResult, error) {
			return mw(ctx, mc, inner)
		}
	}
	return next
}
