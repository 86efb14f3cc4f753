// Command wafproxy runs the WAF reverse-proxy core: it loads a
// configuration file, wires the pipeline components, and serves HTTP
// until signaled to shut down.
//
// Grounded on original_source/waf_proxy/main.py's lifespan management
// (startup cleanup-task scheduling, graceful shutdown) adapted to Go's
// signal.NotifyContext + http.Server.Shutdown idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astracat2022/waf-proxy/internal/config"
	"github.com/astracat2022/waf-proxy/internal/forward"
	"github.com/astracat2022/waf-proxy/internal/metrics"
	"github.com/astracat2022/waf-proxy/internal/middleware"
	"github.com/astracat2022/waf-proxy/internal/ratelimit"
	"github.com/astracat2022/waf-proxy/internal/waferrors"
	"github.com/astracat2022/waf-proxy/internal/waflog"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "waf.yaml", "path to configuration file")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	logger := waflog.New()
	defer logger.Sync()

	snap, err := config.Load(*configPath)
	if err != nil {
		log.Printf("configuration error: %v", err)
		if waferrors.KindOf(err) == waferrors.ConfigFatal {
			return 2
		}
		return 1
	}

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	limiter := ratelimit.New(snap.RateLimitRPM)
	stopReaper := limiter.RunReaper(time.Minute)
	defer stopReaper()

	proxy := forward.New(snap.ProxySettings)
	orch := middleware.New(limiter, proxyAdapter{proxy}, metricsRegistry, logger)
	orch.Reload(snap)

	stopPenaltyReaper := orch.RunPenaltyReaper(time.Minute)
	defer stopPenaltyReaper()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"healthy"}`)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ready"}`)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", orch)

	server := &http.Server{
		Addr:    *addr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Sugar().Infof("waf proxy listening on %s", *addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
			return 1
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			return 1
		}
	}
	return 0
}

// proxyAdapter adapts *forward.Proxy to middleware.ForwardProxy so the
// orchestrator depends only on the interface it needs.
type proxyAdapter struct {
	p *forward.Proxy
}

func (a proxyAdapter) Forward(ctx context.Context, baseURL, rawPath, rawQuery, method string, header http.Header, body io.Reader, clientIP, scheme, originalHost string) (*forward.Result, error) {
	return a.p.Forward(ctx, baseURL, rawPath, rawQuery, method, header, body, clientIP, scheme, originalHost)
}
