package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"quotehub/internal/config"
)

func TestEnabled_BuildsConfiguredProviders(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Providers.Dunamu.Enabled = false

	adapters, err := Enabled(cfg)
	require.NoError(t, err)

	var names []string
	for _, a := range adapters {
		names = append(names, a.Name())
	}
	require.Equal(t, []string{config.Eastmoney, config.Sina, config.Fundgz}, names)
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := New("bloomberg", config.Provider{})
	require.Error(t, err)
}
