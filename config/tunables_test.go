package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDefaults() Tunables {
	return Tunables{
		Weights:            Weights{Price: 0.35, Reliability: 0.30, Proximity: 0.20, Load: 0.15},
		TimeoutWindow:      15 * time.Minute,
		MaxAttempts:        3,
		MinReliability:     40,
		DefaultReliability: 70,
		MaxDistanceKm:      50,
		DefaultCapacity:    20,
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadTunablesMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	writeFile(t, path, "max_attempts: 5\ntimeout_window: 10m\nweights:\n  price: 0.5\n")

	w, err := loadTunables(path, testDefaults(), zap.NewNop())
	require.NoError(t, err)

	got := w.Current()
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, 10*time.Minute, got.TimeoutWindow)
	assert.Equal(t, 0.5, got.Weights.Price)
	assert.Equal(t, 0.30, got.Weights.Reliability)
	assert.Equal(t, 20, got.DefaultCapacity)
}

func TestReloadKeepsPreviousOnInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	writeFile(t, path, "max_attempts: 4\n")

	w, err := loadTunables(path, testDefaults(), zap.NewNop())
	require.NoError(t, err)

	writeFile(t, path, "max_attempts: 0\n")
	assert.Error(t, w.reload())
	assert.Equal(t, 4, w.Current().MaxAttempts)

	writeFile(t, path, "max_attempts: 6\n")
	require.NoError(t, w.reload())
	assert.Equal(t, 6, w.Current().MaxAttempts)
}

func TestWeightsNormalized(t *testing.T) {
	n := Weights{Price: 2, Reliability: 1, Proximity: 1, Load: 0}.Normalized()
	assert.InDelta(t, 0.5, n.Price, 1e-9)
	assert.InDelta(t, 0.25, n.Reliability, 1e-9)
	assert.InDelta(t, 0.0, n.Load, 1e-9)

	even := Weights{}.Normalized()
	assert.InDelta(t, 0.25, even.Proximity, 1e-9)
}

func TestStaticTunables(t *testing.T) {
	src := StaticTunables(testDefaults())
	assert.Equal(t, 3, src.Current().MaxAttempts)
	assert.NoError(t, src.Current().Validate())
}
