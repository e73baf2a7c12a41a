package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/signature"
	"github.com/dennisdiepolder/monti/comms/internal/simulator"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	var (
		targetURL = flag.String("target", "http://localhost:8080", "Comms core base URL")
		publicURL = flag.String("public-url", os.Getenv("PUBLIC_BASE_URL"), "URL the server signs against (defaults to -target)")
		authToken = flag.String("auth-token", os.Getenv("PROVIDER_AUTH_TOKEN"), "Provider auth token used to sign callbacks")
		rate      = flag.Float64("rate", 30, "Interactions started per minute")
		peak      = flag.Float64("peak", 1.0, "Peak hour factor applied to -rate")
		numbers   = flag.String("numbers", "+4930222000", "Comma separated numbers callers dial")
		duration  = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
		logLevel  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "provsim").
		Logger()

	if *authToken == "" {
		logger.Warn().Msg("no auth token set, callbacks only pass a server running with SKIP_SIGNATURE=true")
	}

	client := simulator.NewWebhookClient(*targetURL, *publicURL, signature.NewVerifier(*authToken))
	gen := simulator.NewGenerator(client, simulator.Options{
		InteractionsPerMin: *rate,
		Numbers:            strings.Split(*numbers, ","),
	}, logger)
	gen.SetPeakHourFactor(*peak)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			logger.Info().Msg("shutting down provsim")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info().
		Str("target", *targetURL).
		Float64("rate", *rate).
		Float64("peak", *peak).
		Msg("provsim started")

	gen.Run(ctx)

	stats := gen.Stats()
	logger.Info().
		Int64("interactions", stats["interactions_started"]).
		Int64("sent", stats["callbacks_sent"]).
		Int64("failed", stats["callbacks_failed"]).
		Msg("provsim stopped")
}
