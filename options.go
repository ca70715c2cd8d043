package dualcommit

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port        int
	policyPath  string
	logger      *slog.Logger
	version     string
	hooks       []Hook
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (DUALCOMMIT_PORT).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithPolicyPath overrides the policy file from config (DUALCOMMIT_POLICY).
func WithPolicyPath(path string) Option {
	return func(o *resolvedOptions) { o.policyPath = path }
}

// WithLogger sets the structured logger. The default slog logger is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported by /health and in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithHook registers a hook for decision and proposal events. All
// registered hooks receive every event.
func WithHook(hook Hook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware. The first
// registered runs first.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
