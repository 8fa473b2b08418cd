package workers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconwave/reconwave/pkg/common/uuid"
)

func TestNewWorker(t *testing.T) {
	t.Run("remote worker starts pending", func(t *testing.T) {
		w, err := NewWorker(uuid.New(), "worker-eu-1", "10.0.0.5", 22, Credentials{User: "recon", Password: "s3cret"}, false)
		require.NoError(t, err)
		assert.Equal(t, WorkerStatusPending, w.Status())
		assert.False(t, w.IsLocal())
	})

	t.Run("local worker needs no address", func(t *testing.T) {
		w, err := NewWorker(uuid.New(), "local", "", 0, Credentials{}, true)
		require.NoError(t, err)
		assert.True(t, w.IsLocal())
	})

	t.Run("name is required", func(t *testing.T) {
		_, err := NewWorker(uuid.New(), "", "10.0.0.5", 22, Credentials{}, false)
		assert.Error(t, err)
	})

	t.Run("remote worker requires an address", func(t *testing.T) {
		_, err := NewWorker(uuid.New(), "worker-eu-1", "", 22, Credentials{}, false)
		assert.Error(t, err)
	})
}

func TestLoadSampleCombined(t *testing.T) {
	s := LoadSample{CPUPercent: 80, MemPercent: 40}
	assert.InDelta(t, 60.0, s.Combined(), 0.001)

	assert.InDelta(t, 0.0, LoadSample{}.Combined(), 0.001)
}
