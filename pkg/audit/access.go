// Package audit implements the Audit Access Layer (C6, §4.6): ray-id
// assignment, selective request/response capture via stream tees, and
// fire-and-forget submission to an audit sink.
package audit

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/config"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/rayid"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/bearerauth"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/sink"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/streamtee"
)

// RayIDHeader is the header the gateway writes the assigned ray-id to on
// the forwarded request (§3, §6).
const RayIDHeader = "X-Ray-Id"

// AccessLayer is the C6 middleware: constructed once at startup from the
// audit filter configuration and a sink.
type AccessLayer struct {
	filters config.AuditAccessFilterConfig
	sink    sink.Sink
	log     *logging.Logger
}

// New constructs an AccessLayer. When filters.Enable is false, Middleware
// returns next unmodified (the layer is "skipped when disabled", §4.10).
func New(filters config.AuditAccessFilterConfig, s sink.Sink, log *logging.Logger) *AccessLayer {
	return &AccessLayer{filters: filters, sink: s, log: log}
}

type capturingResponseWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *capturingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingResponseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

// Middleware implements C6's exact behavior (§4.6): assigns ray_id, copies
// identity, captures method/uri/headers per filter, optionally tees the
// request body, dispatches to next, then either submits the record
// immediately (response capture off) or tees and captures the response
// body in a background goroutine (response capture on).
func (a *AccessLayer) Middleware(next http.Handler) http.Handler {
	if !a.filters.Enable {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := sink.AccessLog{Timestamp: time.Now(), RayID: rayid.New()}
		r.Header.Del(RayIDHeader)
		r.Header.Set(RayIDHeader, rec.RayID)

		if u := r.Header.Get(bearerauth.AuthedHeader); u != "" {
			rec.User = &u
		}
		if a.filters.Method {
			m := r.Method
			rec.Method = &m
		}
		if a.filters.URI {
			p := r.URL.Path
			rec.URI = &p
		}
		if a.filters.Headers {
			rec.Headers = flattenHeaders(r.Header)
		}

		if a.filters.Body && r.Body != nil {
			branchToHandler, branchToCapture := streamtee.Tee(r.Body)
			r.Body = io.NopCloser(branchToHandler)

			captured := make(chan []byte, 1)
			go func() {
				data, _ := io.ReadAll(branchToCapture)
				captured <- data
			}()

			if !a.filters.Response {
				next.ServeHTTP(w, r)
				body := sink.BodyOrBase64(<-captured)
				rec.Body = &body
				go a.sink.LogAccess(rec)
				return
			}

			body := <-captured
			s := sink.BodyOrBase64(body)
			rec.Body = &s
			a.dispatchWithResponseCapture(w, r, next, rec)
			return
		}

		if !a.filters.Response {
			next.ServeHTTP(w, r)
			go a.sink.LogAccess(rec)
			return
		}

		a.dispatchWithResponseCapture(w, r, next, rec)
	})
}

// dispatchWithResponseCapture tees the response body: the client gets an
// unmodified stream while a background goroutine accumulates a copy,
// fills in response_status/response_headers/response_body, and submits the
// completed record — all detached from the request's lifecycle.
func (a *AccessLayer) dispatchWithResponseCapture(w http.ResponseWriter, r *http.Request, next http.Handler, rec sink.AccessLog) {
	pr, pw := io.Pipe()
	cw := &capturingResponseWriter{ResponseWriter: w}
	tw := &teeingWriter{inner: cw, pipe: pw}

	go func() {
		data, _ := io.ReadAll(pr)

		status := cw.status
		if status == 0 {
			status = http.StatusOK
		}
		rec.ResponseStatus = &status
		rec.ResponseHeaders = flattenHeaders(w.Header())
		body := sink.BodyOrBase64(data)
		rec.ResponseBody = &body
		a.sink.LogAccess(rec)
	}()

	next.ServeHTTP(tw, r)
	pw.Close()
}

// teeingWriter duplicates every Write to both the real ResponseWriter and a
// pipe feeding the background capture goroutine, realizing the response-body
// tee of §4.6 at the http.ResponseWriter layer (Go's server-side streaming
// API has no generic byte-stream handle the way the original's Response
// body does, so the tee is applied at the writer instead of a reader).
type teeingWriter struct {
	inner *capturingResponseWriter
	pipe  *io.PipeWriter
}

func (t *teeingWriter) Header() http.Header { return t.inner.Header() }

func (t *teeingWriter) WriteHeader(code int) { t.inner.WriteHeader(code) }

func (t *teeingWriter) Write(b []byte) (int, error) {
	n, err := t.inner.Write(b)
	if n > 0 {
		_, _ = t.pipe.Write(b[:n])
	}
	return n, err
}

func (t *teeingWriter) Flush() {
	if f, ok := t.inner.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = strings.Join(h.Values(k), ", ")
	}
	return out
}
