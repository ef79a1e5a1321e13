// Command gateway starts the audit gateway — an OpenAI-compatible reverse
// proxy that enforces access control, verifies bearer identity, and
// records every call for audit and token-usage accounting.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/config"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/metrics"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/acl"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/gateway"
)

func main() {
	configPath := flag.String("config", envOr("GATEWAY_CONFIG", "config.toml"), "path to server config")
	aclPath := flag.String("acl", envOr("GATEWAY_ACL", "acl.toml"), "path to ACL policy document")
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	policy, err := acl.Load(*aclPath)
	if err != nil {
		log.Fatalf("acl: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- OTel tracing setup ---
	tp, err := initTracer(ctx)
	if err != nil {
		log.Warnf("OTel tracing disabled: %v", err)
	} else if tp != nil {
		defer tp.Shutdown(ctx)
	}

	s, err := gateway.NewSink(cfg, log)
	if err != nil {
		log.Fatalf("audit sink: %v", err)
	}

	reg := metrics.New()
	handler, err := gateway.New(cfg, policy, s, reg, log)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Bind,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // allow time for slow streaming responses
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("gateway listening on %s -> %s", cfg.Bind, cfg.APIBase)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

func initTracer(ctx context.Context) (*sdktrace.TracerProvider, error) {
	endpoint := envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if endpoint == "" {
		return nil, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("oai-audit-gateway"),
		semconv.ServiceVersion("0.1.0"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
