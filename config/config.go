// Package config resolves the dotted-key configuration surface of spec.md
// §6.3 against a host-provided lookup, following the teacher's
// default-then-override precedence (calvinalkan-agent-task's LoadConfig):
// defaults first, then host lookups override, then derived values are
// clamped to their documented floor/ceiling.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lookup is satisfied by host.Environment; kept as a separate, minimal
// interface here so config does not import host.
type Lookup interface {
	Lookup(key string) (string, bool)
}

// Config is the fully resolved configuration for one postfga.Core instance.
// Every row of spec.md §6.3 is a field here, plus two fields the original
// source shows but the spec's distillation dropped (FallbackToGRPCOnMiss,
// GRPCMessageMaxBytes — see SPEC_FULL.md §6/§9).
type Config struct {
	Endpoint              string
	StoreID               string
	AuthorizationModelID  string
	CacheTTL              time.Duration
	CacheSizeMB           int
	MaxCacheEntries       int
	MaxSlots              int
	MaxConcurrency        int
	MaxRetries            int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	Timeout               time.Duration
	Relations             []string
	WorkerThreads         int
	FallbackToGRPCOnMiss  bool
	GRPCMessageMaxBytes   int
}

const (
	defaultCacheTTLMs         = 10_000
	defaultCacheSizeMB        = 64
	defaultMaxCacheEntries    = 1 << 16
	defaultMaxSlots           = 2048
	minMaxSlots               = 1024
	maxMaxSlots               = 16384
	defaultMaxConcurrency     = 64
	defaultMaxRetries         = 3
	defaultInitialBackoffMs   = 50
	defaultMaxBackoffMs       = 2_000
	defaultTimeoutMs          = 2_000
	defaultWorkerThreads      = 4
	defaultGRPCMessageMaxSize = 4 << 20 // original client.cpp's hardcoded ceiling, now a default
	maxRelationsBitIndexed    = 64
)

// Default returns the configuration used when the host supplies no
// overrides at all.
func Default() Config {
	return Config{
		CacheTTL:             defaultCacheTTLMs * time.Millisecond,
		CacheSizeMB:          defaultCacheSizeMB,
		MaxCacheEntries:      defaultMaxCacheEntries,
		MaxSlots:             defaultMaxSlots,
		MaxConcurrency:       defaultMaxConcurrency,
		MaxRetries:           defaultMaxRetries,
		InitialBackoff:       defaultInitialBackoffMs * time.Millisecond,
		MaxBackoff:           defaultMaxBackoffMs * time.Millisecond,
		Timeout:              defaultTimeoutMs * time.Millisecond,
		WorkerThreads:        defaultWorkerThreads,
		FallbackToGRPCOnMiss: false,
		GRPCMessageMaxBytes:  defaultGRPCMessageMaxSize,
	}
}

// Load resolves Config from the host's dotted-key lookup, starting from
// Default and overriding any key the host has a value for. connCap, when
// > 0, seeds MaxSlots before the floor/ceiling clamp, per spec.md §6.3's
// "max_slots ... defaults from connection cap with floor 1024, ceiling
// 16384".
func Load(lookup Lookup, connCap int) (Config, error) {
	cfg := Default()
	if connCap > 0 {
		cfg.MaxSlots = connCap
	}

	var err error
	overrideString(lookup, "endpoint", &cfg.Endpoint)
	overrideString(lookup, "store_id", &cfg.StoreID)
	overrideString(lookup, "authorization_model_id", &cfg.AuthorizationModelID)

	if err = overrideDurationMs(lookup, "cache_ttl_ms", &cfg.CacheTTL); err != nil {
		return Config{}, err
	}
	if err = overrideInt(lookup, "cache_size_mb", &cfg.CacheSizeMB); err != nil {
		return Config{}, err
	}
	if err = overrideInt(lookup, "max_cache_entries", &cfg.MaxCacheEntries); err != nil {
		return Config{}, err
	}
	if err = overrideInt(lookup, "max_slots", &cfg.MaxSlots); err != nil {
		return Config{}, err
	}
	if err = overrideInt(lookup, "max_concurrency", &cfg.MaxConcurrency); err != nil {
		return Config{}, err
	}
	if err = overrideInt(lookup, "max_retries", &cfg.MaxRetries); err != nil {
		return Config{}, err
	}
	if err = overrideDurationMs(lookup, "initial_backoff_ms", &cfg.InitialBackoff); err != nil {
		return Config{}, err
	}
	if err = overrideDurationMs(lookup, "max_backoff_ms", &cfg.MaxBackoff); err != nil {
		return Config{}, err
	}
	if err = overrideDurationMs(lookup, "timeout_ms", &cfg.Timeout); err != nil {
		return Config{}, err
	}
	if err = overrideInt(lookup, "worker_threads", &cfg.WorkerThreads); err != nil {
		return Config{}, err
	}
	if err = overrideBool(lookup, "fallback_to_grpc_on_miss", &cfg.FallbackToGRPCOnMiss); err != nil {
		return Config{}, err
	}
	if err = overrideInt(lookup, "grpc_message_max_bytes", &cfg.GRPCMessageMaxBytes); err != nil {
		return Config{}, err
	}

	if raw, ok := lookup.Lookup("relations"); ok {
		cfg.Relations = splitRelations(raw)
	}

	cfg.MaxSlots = clamp(cfg.MaxSlots, minMaxSlots, maxMaxSlots)

	return cfg, nil
}

func splitRelations(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
		if len(out) == maxRelationsBitIndexed {
			break
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func overrideString(lookup Lookup, key string, dst *string) {
	if v, ok := lookup.Lookup(key); ok {
		*dst = v
	}
}

func overrideBool(lookup Lookup, key string, dst *bool) error {
	v, ok := lookup.Lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func overrideInt(lookup Lookup, key string, dst *int) error {
	v, ok := lookup.Lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func overrideDurationMs(lookup Lookup, key string, dst *time.Duration) error {
	v, ok := lookup.Lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
