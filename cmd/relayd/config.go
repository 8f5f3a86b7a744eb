package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// config holds the relayd runtime settings.
type config struct {
	TCP tcpConfig
	Pub pubConfig
}

type tcpConfig struct {
	// Endpoint is the TCP ingest listen address.
	Endpoint string
	// Delimiter is the byte that terminates a chunk on the wire.
	Delimiter byte
	// MaxChunkLength bounds a single undelimited chunk; negative removes
	// the bound.
	MaxChunkLength int
}

type pubConfig struct {
	// Endpoint is the PUB listen address for subscribers.
	Endpoint string
	// Topic is the topic every decoded chunk is published under.
	Topic string
}

// fileConfig is the relayd TOML key mapping. Delimiter is an int here so an
// out-of-range value can be rejected instead of silently truncated.
type fileConfig struct {
	TCP struct {
		Endpoint       string `toml:"endpoint"`
		Delimiter      int    `toml:"delimiter"`
		MaxChunkLength int    `toml:"max_chunk_length"`
	} `toml:"tcp"`
	Pub struct {
		Endpoint string `toml:"endpoint"`
		Topic    string `toml:"topic"`
	} `toml:"pub"`
}

func defaultConfig() config {
	return config{
		TCP: tcpConfig{
			Endpoint:       "127.0.0.1:6000",
			Delimiter:      '\n',
			MaxChunkLength: 1024 * 1024,
		},
		Pub: pubConfig{
			Endpoint: "127.0.0.1:6001",
			Topic:    "chunks",
		},
	}
}

// loadConfig reads <dir>/default.toml, then overlays the optional
// <dir>/local.toml on top, both over the built-in defaults. Only keys
// actually present in a file override the previous layer.
func loadConfig(dir string) (config, error) {
	cfg := defaultConfig()

	if err := mergeFile(&cfg, filepath.Join(dir, "default.toml"), true); err != nil {
		return config{}, err
	}
	if err := mergeFile(&cfg, filepath.Join(dir, "local.toml"), false); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(cfg.TCP.Endpoint) == "" {
		return config{}, errors.New("load config: tcp endpoint must not be empty")
	}
	if strings.TrimSpace(cfg.Pub.Endpoint) == "" {
		return config{}, errors.New("load config: pub endpoint must not be empty")
	}

	return cfg, nil
}

func mergeFile(cfg *config, path string, required bool) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !required && os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "load config %s", path)
	}

	if meta.IsDefined("tcp", "endpoint") {
		cfg.TCP.Endpoint = strings.TrimSpace(raw.TCP.Endpoint)
	}
	if meta.IsDefined("tcp", "delimiter") {
		if raw.TCP.Delimiter < 0 || raw.TCP.Delimiter > 255 {
			return errors.Errorf(
				"load config %s: delimiter %d outside byte range",
				path, raw.TCP.Delimiter,
			)
		}
		cfg.TCP.Delimiter = byte(raw.TCP.Delimiter)
	}
	if meta.IsDefined("tcp", "max_chunk_length") {
		cfg.TCP.MaxChunkLength = raw.TCP.MaxChunkLength
	}
	if meta.IsDefined("pub", "endpoint") {
		cfg.Pub.Endpoint = strings.TrimSpace(raw.Pub.Endpoint)
	}
	if meta.IsDefined("pub", "topic") {
		cfg.Pub.Topic = strings.TrimSpace(raw.Pub.Topic)
	}

	return nil
}
