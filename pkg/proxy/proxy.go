// Package proxy implements the Proxy Core (C9, §4.9): forwards a validated
// request to the upstream API using a leased credential, streaming the
// response body back to the client and releasing the lease only once that
// stream is fully drained or closed.
package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/apierr"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/metrics"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/reqctx"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/audit"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/keypool"
)

var tracer = otel.Tracer("oai-audit-gateway/proxy")

// upstreamClient has an explicit timeout; the default http.Client has none,
// which can hang a goroutine (and its leased credential) forever.
var upstreamClient = &http.Client{
	Timeout: 120 * time.Second,
}

// Handler is the C9 proxy core.
type Handler struct {
	apiBase string
	pool    *keypool.Pool
	metrics *metrics.Registry
	log     *logging.Logger
}

// New constructs a Handler that forwards requests to apiBase using
// credentials leased from pool.
func New(apiBase string, pool *keypool.Pool, reg *metrics.Registry, log *logging.Logger) *Handler {
	return &Handler{apiBase: apiBase, pool: pool, metrics: reg, log: log}
}

// ServeHTTP implements the forwarding rules of §4.9: acquire a lease, build
// <api_base><path>, forward only Content-Type/Accept plus the streamed
// body, and map upstream failures per §7 (timeout -> 504, otherwise 500).
// Per §10, a single "proxy.handle" span is started here and ended when the
// response body (and its attached lease) closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rayID := r.Header.Get(audit.RayIDHeader)
	model := reqctx.ModelFromContext(r.Context())

	ctx, span := tracer.Start(r.Context(), "proxy.handle")
	span.SetAttributes(attribute.String("ray_id", rayID))
	if model != "" {
		span.SetAttributes(attribute.String("model", model))
	}
	defer span.End()

	lease, err := h.pool.Acquire(ctx)
	if err != nil {
		h.metrics.ObserveRequest(r.Method, http.StatusGatewayTimeout)
		apierr.Write(w, apierr.GatewayTimeout("no credential became available"))
		return
	}
	h.metrics.LeasesInFlight.Inc()

	upstreamURL := h.apiBase + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}
	if _, err := url.Parse(upstreamURL); err != nil {
		lease.Release()
		h.metrics.LeasesInFlight.Dec()
		h.metrics.ObserveRequest(r.Method, http.StatusInternalServerError)
		apierr.Write(w, apierr.Internal("failed to build upstream URL"))
		return
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, r.Body)
	if err != nil {
		lease.Release()
		h.metrics.LeasesInFlight.Dec()
		h.metrics.ObserveRequest(r.Method, http.StatusInternalServerError)
		apierr.Write(w, apierr.Internal("failed to create upstream request"))
		return
	}
	req.Header.Set("Authorization", "Bearer "+lease.Value())
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	start := time.Now()
	resp, err := upstreamClient.Do(req)
	h.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		lease.Release()
		h.metrics.LeasesInFlight.Dec()
		if isTimeout(err) {
			h.metrics.ObserveRequest(r.Method, http.StatusGatewayTimeout)
			apierr.Write(w, apierr.GatewayTimeout("openai timeout"))
			return
		}
		h.log.Warnf("proxy: upstream request failed: %v", err)
		h.metrics.ObserveRequest(r.Method, http.StatusInternalServerError)
		apierr.Write(w, apierr.Internal(err.Error()))
		return
	}

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	h.metrics.ObserveRequest(r.Method, resp.StatusCode)

	resp.Body = &leaseReleasingBody{ReadCloser: resp.Body, lease: lease, span: span, metrics: h.metrics}
	defer resp.Body.Close()

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				h.log.Warnf("proxy: stream copy error: %v", rerr)
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// leaseReleasingBody attaches a keypool.Lease to the upstream response
// body so the credential returns to the pool exactly once the stream is
// closed — whether drained normally or abandoned early by a client
// disconnect (§3, §5's lease-lifetime invariant) — and ends the request's
// trace span at the same moment, per §10.
type leaseReleasingBody struct {
	io.ReadCloser
	lease   *keypool.Lease
	span    trace.Span
	metrics *metrics.Registry
}

func (b *leaseReleasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.lease.Release()
	b.metrics.LeasesInFlight.Dec()
	b.span.End()
	return err
}
