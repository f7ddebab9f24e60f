package devcheck

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/devcheck/pkg/devcheck/config"
)

func synthConfig() config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Mic.Backend = "synth"
	cfg.Cam.Backend = "synth"
	return cfg
}

func TestNewWiresSynthBackends(t *testing.T) {
	rig, err := New(synthConfig(), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer rig.Stop()

	micDevs, err := rig.Mic().Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, micDevs, 1)
	assert.Equal(t, "tone", micDevs[0].ID)

	camDevs, err := rig.Cam().Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, camDevs, 1)
	assert.Equal(t, "pattern", camDevs[0].ID)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := synthConfig()
	cfg.Mic.Backend = "theremin"
	_, err := New(cfg, WithLogger(zerolog.Nop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "theremin")
}

func TestRigAutoStart(t *testing.T) {
	cfg := synthConfig()
	cfg.Mic.AutoStart = true
	cfg.Cam.AutoStart = true

	rig, err := New(cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rig.Start(ctx) }()

	require.Eventually(t, func() bool {
		return rig.Mic().Status().State == "capturing" &&
			rig.Cam().Status().State == "capturing"
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, rig.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rig did not shut down")
	}

	assert.Equal(t, "closed", rig.Mic().Status().State)
	assert.Equal(t, "closed", rig.Cam().Status().State)
}
