// relayd accepts TCP connections, splits every connection's byte stream
// into delimiter-terminated chunks and republishes each chunk to the PUB
// endpoint under a configured topic.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Zereker/relay"
	"github.com/Zereker/relay/broadcast"
)

func initLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", "relayd").Logger()
	log.Logger = logger
	return logger
}

// handler wires every accepted connection to the PUB endpoint: one framer
// per connection, every decoded chunk published under the configured topic.
type handler struct {
	ctx    context.Context
	hub    *broadcast.Broadcast
	topic  string
	tcp    tcpConfig
	logger relay.Logger
}

func (h *handler) Handle(conn *net.TCPConn) {
	remote := conn.RemoteAddr()

	newConn, err := relay.NewConn(conn,
		relay.DelimiterOption(h.tcp.Delimiter),
		relay.MaxChunkLengthOption(h.tcp.MaxChunkLength),
		relay.LoggerOption(h.logger),
		relay.OnChunkOption(func(chunk string) error {
			h.logger.Debug("received chunk", "addr", remote, "chunk", chunk)
			if err := h.hub.Send(h.topic, chunk); err != nil {
				h.logger.Error("publish failed", "topic", h.topic, "chunk", chunk, "error", err)
			}
			return nil
		}),
		relay.OnErrorOption(func(err error) relay.ErrorAction {
			// Framer errors are per-chunk: log and keep reading. The
			// discard sweep recovers over-length chunks on its own.
			if errors.Is(err, relay.ErrChunkTooLong) || errors.Is(err, relay.ErrInvalidUTF8) {
				h.logger.Error("decode error", "addr", remote, "error", err)
				return relay.Continue
			}
			return relay.Disconnect
		}),
	)
	if err != nil {
		h.logger.Error("connection setup failed", "addr", remote, "error", err)
		conn.Close()
		return
	}

	_ = newConn.Run(h.ctx)
}

func main() {
	configDir := flag.String("config", "config",
		"directory holding default.toml and the optional local.toml overlay")
	flag.Parse()

	logger := initLogger()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger.Info().
		Str("tcp_endpoint", cfg.TCP.Endpoint).
		Int("delimiter", int(cfg.TCP.Delimiter)).
		Int("max_chunk_length", cfg.TCP.MaxChunkLength).
		Str("pub_endpoint", cfg.Pub.Endpoint).
		Str("pub_topic", cfg.Pub.Topic).
		Msg("configuration loaded")

	relayLogger := relay.ZerologLogger(logger)

	hub, err := broadcast.New(cfg.Pub.Endpoint, relayLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bind pub endpoint")
	}
	defer hub.Close()
	logger.Info().Str("endpoint", cfg.Pub.Endpoint).Msg("pub endpoint bound")

	addr, err := net.ResolveTCPAddr("tcp", cfg.TCP.Endpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve tcp endpoint")
	}

	server, err := relay.New(addr, relay.ServerLoggerOption(relayLogger))
	if err != nil {
		logger.Fatal().Err(err).Msg("bind tcp endpoint")
	}
	logger.Info().Str("endpoint", cfg.TCP.Endpoint).Msg("tcp listener bound")

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
	}()

	h := &handler{
		ctx:    ctx,
		hub:    hub,
		topic:  cfg.Pub.Topic,
		tcp:    cfg.TCP,
		logger: relayLogger,
	}

	if err := server.Serve(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server error")
	}
}
