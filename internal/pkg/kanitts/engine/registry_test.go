package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
)

var errBoom = errors.New("boom")

func TestRegistry(t *testing.T) {
	engine.Register("registry-test-ok", func(cfg engine.Config) (*engine.Backend, error) {
		return &engine.Backend{Info: engine.Info{Name: cfg.Checkpoint}}, nil
	})
	engine.Register("registry-test-fail", func(engine.Config) (*engine.Backend, error) {
		return nil, errBoom
	})

	assert.True(t, engine.IsRegistered("registry-test-ok"))
	assert.False(t, engine.IsRegistered("registry-test-missing"))
	assert.Contains(t, engine.ListBackends(), "registry-test-ok")

	b, err := engine.New("registry-test-ok", engine.Config{Checkpoint: "ckpt"})
	require.NoError(t, err)
	assert.Equal(t, "ckpt", b.Info.Name)

	_, err = engine.New("registry-test-fail", engine.Config{})
	require.ErrorIs(t, err, errBoom)

	_, err = engine.New("registry-test-missing", engine.Config{})
	require.ErrorContains(t, err, "unknown backend")
}

func TestRegisterTwicePanics(t *testing.T) {
	factory := func(engine.Config) (*engine.Backend, error) { return nil, nil }
	engine.Register("registry-test-dup", factory)

	assert.Panics(t, func() { engine.Register("registry-test-dup", factory) })
	assert.Panics(t, func() { engine.Register("registry-test-nil", nil) })
}
