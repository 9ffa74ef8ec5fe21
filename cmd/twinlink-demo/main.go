// Package main is a small example wiring of the twinlink client: it dials
// a digital-twin endpoint, arms the live-event stream, and opens a search
// session, logging everything it observes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelhub/twinlink/internal/client"
	"github.com/kestrelhub/twinlink/internal/config"
	"github.com/kestrelhub/twinlink/internal/protocol"
	"github.com/kestrelhub/twinlink/internal/search"
	"github.com/kestrelhub/twinlink/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	url := flag.String("url", "", "websocket endpoint (overrides config connection.url)")
	logLevel := flag.String("log-level", "info", "trace, debug, info, warn, or error")
	flag.Parse()

	level, err := config.ParseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	cfg := config.Default()
	if path, err := config.FindConfig(*configPath); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			logger.Error("config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	} else if *configPath != "" {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Connection.URL = *url
	}
	if !cfg.Connection.Configured() {
		fmt.Fprintln(os.Stderr, "no connection.url configured; pass -url or set it in twinlink.yaml")
		os.Exit(1)
	}

	dial := transport.NewGorillaDialer(websocket.DefaultDialer, cfg.Connection.URL, authHeader(cfg))

	c := client.New(cfg, dial, client.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		logger.Error("start", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	if _, err := c.Live().SubscribeLiveEvents(ctx, func(frame *protocol.Adaptable) {
		logger.Info("live event", "topic", frame.Topic)
	}); err != nil {
		logger.Error("subscribe live events", "error", err)
	}

	runSearchDemo(ctx, logger, c)

	<-ctx.Done()
	logger.Info("shutting down")
}

func authHeader(cfg *config.Config) map[string][]string {
	if cfg.Connection.AuthToken == "" {
		return nil
	}
	return map[string][]string{
		"Authorization": {"Bearer " + cfg.Connection.AuthToken},
	}
}

// searchLogger adapts slog to the search.Subscriber interface for this
// demo: it requests a single page when subscribed and logs every page and
// terminal signal it receives.
type searchLogger struct {
	logger *slog.Logger
}

func (s *searchLogger) OnSubscribe(sub search.Subscription) {
	s.logger.Info("search: subscribed")
	sub.Request(1)
}

func (s *searchLogger) OnNext(page *protocol.Adaptable) {
	s.logger.Info("search: page", "payload", string(page.Payload.Value))
}

func (s *searchLogger) OnComplete() {
	s.logger.Info("search: complete")
}

func (s *searchLogger) OnError(err error) {
	s.logger.Error("search: error", "error", err)
}

func runSearchDemo(ctx context.Context, logger *slog.Logger, c *client.Client) {
	dispatcher := search.NewSerialDispatcher(16)
	defer dispatcher.Stop()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := c.Search(dispatcher).Open(ctx, map[string]string{"filter": "eq(attributes/type,'sensor')"}, &searchLogger{logger: logger})
	if err != nil {
		logger.Error("search: open", "error", err)
	}
}
