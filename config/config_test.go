package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mapLookup map[string]string

func (m mapLookup) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func TestLoadAppliesDefaultsWhenNoOverrides(t *testing.T) {
	cfg, err := Load(mapLookup{}, 0)
	require.NoError(t, err)
	require.Equal(t, defaultMaxSlots, cfg.MaxSlots)
	require.Equal(t, defaultCacheTTLMs*time.Millisecond, cfg.CacheTTL)
	require.Equal(t, defaultGRPCMessageMaxSize, cfg.GRPCMessageMaxBytes)
	require.False(t, cfg.FallbackToGRPCOnMiss)
}

func TestLoadOverridesFromLookup(t *testing.T) {
	cfg, err := Load(mapLookup{
		"endpoint":     "dns:///fga.internal:8081",
		"max_retries":  "5",
		"cache_ttl_ms": "30000",
	}, 0)
	require.NoError(t, err)
	require.Equal(t, "dns:///fga.internal:8081", cfg.Endpoint)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 30*time.Second, cfg.CacheTTL)
}

func TestMaxSlotsClampsToFloor(t *testing.T) {
	cfg, err := Load(mapLookup{}, 16)
	require.NoError(t, err)
	require.Equal(t, minMaxSlots, cfg.MaxSlots)
}

func TestMaxSlotsClampsToCeiling(t *testing.T) {
	cfg, err := Load(mapLookup{}, 1_000_000)
	require.NoError(t, err)
	require.Equal(t, maxMaxSlots, cfg.MaxSlots)
}

func TestMaxSlotsExplicitOverrideStillClamped(t *testing.T) {
	cfg, err := Load(mapLookup{"max_slots": "99999999"}, 0)
	require.NoError(t, err)
	require.Equal(t, maxMaxSlots, cfg.MaxSlots)
}

func TestRelationsSplitAndTrimmed(t *testing.T) {
	cfg, err := Load(mapLookup{"relations": "reader, writer,owner"}, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"reader", "writer", "owner"}, cfg.Relations)
}

func TestInvalidIntOverrideReturnsError(t *testing.T) {
	_, err := Load(mapLookup{"max_retries": "not-a-number"}, 0)
	require.Error(t, err)
}

func TestFallbackToGRPCOnMissParsed(t *testing.T) {
	cfg, err := Load(mapLookup{"fallback_to_grpc_on_miss": "true"}, 0)
	require.NoError(t, err)
	require.True(t, cfg.FallbackToGRPCOnMiss)
}
