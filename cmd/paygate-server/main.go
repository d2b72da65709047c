// Command paygate-server runs the gating proxy as a standalone HTTP
// server, loading configuration from a YAML file (with environment
// overrides) and serving until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/paygate/mcpgate/internal/config"
	"github.com/paygate/mcpgate/pkg/paygate"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	envPath := flag.String("env", ".env", "path to .env file; missing file is not an error")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		os.Stderr.WriteString("paygate-server: loading env file: " + err.Error() + "\n")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("paygate-server: loading config: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := paygate.New(ctx, cfg)
	if err != nil {
		os.Stderr.WriteString("paygate-server: starting app: " + err.Error() + "\n")
		os.Exit(1)
	}

	app.Logger.Info().Str("address", cfg.Server.Address).Msg("paygate_server.listening")

	if err := app.ListenAndServe(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("paygate_server.exited_with_error")
		os.Exit(1)
	}
}
