// Package gateway implements the Middleware Wiring (C10, §4.10): it builds
// each enabled layer exactly once at startup and composes them in the
// fixed order described by the system overview's data-flow diagram.
package gateway

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/config"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/metrics"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/acl"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/audit"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/bearerauth"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/keypool"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/proxy"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/sink"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/tokenaccounting"
)

// New constructs the fully wired gateway handler. Layers are composed
// outermost-first: Audit-Access wraps Bearer-Verifier wraps (azure prefix
// stripping, when applicable) wraps ACL wraps Token-Accounting wraps the
// Proxy core. A layer named in cfg but disabled in its filter config is
// skipped entirely rather than installed as a pass-through, keeping the
// chain exactly as long as the configuration requires.
func New(cfg *config.ServerConfig, policy *acl.Policy, s sink.Sink, reg *metrics.Registry, log *logging.Logger) (http.Handler, error) {
	if err := s.Init(); err != nil {
		return nil, fmt.Errorf("gateway: init sink: %w", err)
	}

	pool := keypool.New(cfg.APIKeys)
	if pool.Cap() == 0 {
		return nil, fmt.Errorf("gateway: no api_keys configured")
	}

	stripOpenAIPrefix := cfg.APIType != config.ApiTypeOpenAI

	core := proxy.New(cfg.APIBase, pool, reg, log)
	tokens := tokenaccounting.New(cfg.Audit.Filters.Tokens, s, reg, log)

	r := chi.NewRouter()
	r.Use(audit.New(cfg.Audit.Filters.Access, s, log).Middleware)
	if cfg.JwtAuth.Secret != "" {
		r.Use(bearerauth.New(cfg.JwtAuth.Secret, log).Middleware)
	}
	if stripOpenAIPrefix {
		// Azure/azure_ad clients address the gateway as /openai/<path>; every
		// downstream layer (ACL path rules, the proxy's <api_base><path>
		// join) expects the OpenAI-shaped path with that prefix already
		// removed. Chi's Use-registered middleware runs ahead of its own
		// route-tree lookup, so the route is always mounted at the single
		// catch-all "/*" below regardless of api_type — a path-specific
		// mount pattern here would be matched against the already-stripped
		// path and never fire.
		r.Use(func(next http.Handler) http.Handler {
			return http.StripPrefix("/openai", next)
		})
	}
	r.Use(policy.Middleware)
	r.Handle("/*", tokens.Middleware(core))

	return r, nil
}

// NewSink constructs the configured audit sink (§4.8, §6), routing to the
// file or relational backend named by cfg.Audit.Backend.
func NewSink(cfg *config.ServerConfig, log *logging.Logger) (sink.Sink, error) {
	switch cfg.Audit.Backend {
	case config.BackendFile:
		return sink.NewFileSink(cfg.Audit.Backends.File.Filename, log)
	case config.BackendSqlite:
		b := cfg.Audit.Backends.Sqlite
		return sink.NewRelationalSink(sink.DialectSqlite, sink.DSN{Filename: b.Filename}, log)
	case config.BackendMySQL:
		b := cfg.Audit.Backends.MySQL
		return sink.NewRelationalSink(sink.DialectMySQL, sink.DSN{
			Host: b.Host, Port: b.Port, Socket: b.Socket,
			Username: b.Username, Password: b.Password, Database: b.Database,
		}, log)
	case config.BackendPostgres:
		b := cfg.Audit.Backends.Postgres
		return sink.NewRelationalSink(sink.DialectPostgres, sink.DSN{
			Host: b.Host, Port: b.Port,
			Username: b.Username, Password: b.Password, Database: b.Database,
		}, log)
	default:
		return nil, fmt.Errorf("gateway: unknown audit backend %q", cfg.Audit.Backend)
	}
}
