package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/server"
)

// NewServeCmd constructs the `ragkit serve` command, which starts the HTTP
// API in front of the pipeline.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragkit HTTP API",
		Long: `Start the ragkit HTTP API.

Routes:
  POST   /api/ask              answer a question
  POST   /api/ingest           index one document
  DELETE /api/documents/{id}   remove a document
  GET    /api/stats            index statistics
  GET    /api/profiles         instruction profiles
  GET    /api/health           liveness
  GET    /api/ready            readiness (index and model checks)
  GET    /metrics              Prometheus metrics

Set RAGKIT_API_KEY to require a Bearer token on every /api route except
health and ready.

Examples:
  ragkit serve
  ragkit serve --port 9090
  RAGKIT_API_KEY=secret VECTOR_STORE=qdrant ragkit serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.FromContext(ctx)
			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			a, err := buildApp(ctx, log, reg, buildOptions{generator: true})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.close()

			// The config file is applied to the env after flags are defined.
			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("RAGKIT_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				if p, err := strconv.Atoi(os.Getenv("RAGKIT_PORT")); err == nil && p > 0 {
					port = p
				}
			}
			rps, _ := strconv.ParseFloat(os.Getenv("RAGKIT_RATE_LIMIT_RPS"), 64)
			burst, _ := strconv.Atoi(os.Getenv("RAGKIT_RATE_LIMIT_BURST"))

			srv, err := server.New(a.pipeline, &server.Config{
				Host:            host,
				Port:            port,
				Logger:          log,
				Pingers:         buildPingers(a),
				RateLimit:       rps,
				RateBurst:       burst,
				APIKey:          os.Getenv("RAGKIT_API_KEY"),
				MetricsRegistry: reg,
				MetricsGatherer: reg,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env: RAGKIT_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env: RAGKIT_PORT)")

	return cmd
}
