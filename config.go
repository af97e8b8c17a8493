// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mcoap holds the service configuration of the mcoap server.
package mcoap

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "MCOAP_"

// Config holds the service configuration.
type Config struct {
	// CoAP endpoint
	Address        string `env:"ADDRESS"         envDefault:":5683"`
	MulticastGroup string `env:"MULTICAST_GROUP" envDefault:""`
	BufferSize     int    `env:"BUFFER_SIZE"     envDefault:"1280"`
	Workers        int    `env:"WORKERS"         envDefault:"16"`
	MaxBlockSZX    uint8  `env:"MAX_BLOCK_SZX"   envDefault:"6"`

	// CoAP over TCP, disabled without an address
	TCPAddress     string        `env:"TCP_ADDRESS"      envDefault:""`
	TCPIdleTimeout time.Duration `env:"TCP_IDLE_TIMEOUT" envDefault:"5m"`

	// Observability
	AdminAddress string `env:"ADMIN_ADDRESS" envDefault:":9090"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT"    envDefault:"json"`

	// Rate Limiting, disabled with a zero capacity
	RateCapacity float64 `env:"RATE_CAPACITY" envDefault:"100"`
	RateRefill   float64 `env:"RATE_REFILL"   envDefault:"10"`

	// Reverse proxy, disabled without an upstream
	ProxyPrefix   string        `env:"PROXY_PREFIX"   envDefault:"/proxy/"`
	ProxyUpstream string        `env:"PROXY_UPSTREAM" envDefault:""`
	ProxySlots    int           `env:"PROXY_SLOTS"    envDefault:"4"`
	ProxyTimeout  time.Duration `env:"PROXY_TIMEOUT"  envDefault:"5s"`

	// Response cache, disabled with zero entries. Backends: ristretto,
	// bigcache or redis.
	CacheMaxEntries int64  `env:"CACHE_MAX_ENTRIES" envDefault:"10000"`
	CacheBackend    string `env:"CACHE_BACKEND"     envDefault:"ristretto"`
	CacheRedisURL   string `env:"CACHE_REDIS_URL"   envDefault:"redis://localhost:6379/0"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NewConfig parses the configuration from the environment. An empty
// opts.Prefix defaults to EnvPrefix.
func NewConfig(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}

	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ProxyEnabled reports whether the reverse proxy is configured.
func (c Config) ProxyEnabled() bool {
	return c.ProxyUpstream != ""
}
