package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap/dedup"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("COAPTESTDEFAULTS_")
	require.NoError(t, err)

	assert.Equal(t, ":5683", cfg.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.AckTimeout)
	assert.Equal(t, 1.5, cfg.AckRandomFactor)
	assert.Equal(t, 4, cfg.MaxRetransmit)
	assert.Equal(t, 247*time.Second, cfg.ExchangeLifetime)
	assert.Equal(t, "MarkAndSweep", cfg.Deduplicator)
	assert.Equal(t, 4, cfg.TokenLength)
	assert.True(t, cfg.UseRandomIDStart)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("COAPTEST_LISTEN_ADDR", ":15683")
	t.Setenv("COAPTEST_ACK_TIMEOUT", "3s")
	t.Setenv("COAPTEST_MAX_RETRANSMIT", "2")
	t.Setenv("COAPTEST_DEDUPLICATOR", "CropRotation")
	t.Setenv("COAPTEST_TOKEN_LENGTH", "-1")

	cfg, err := Load("COAPTEST_")
	require.NoError(t, err)
	assert.Equal(t, ":15683", cfg.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.AckTimeout)
	assert.Equal(t, 2, cfg.MaxRetransmit)
	assert.Equal(t, "CropRotation", cfg.Deduplicator)
	assert.Equal(t, -1, cfg.TokenLength)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("COAPTESTBAD_ACK_RANDOM_FACTOR", "0.5")
	_, err := Load("COAPTESTBAD_")
	assert.Error(t, err)

	t.Setenv("COAPTESTBAD2_TOKEN_LENGTH", "9")
	_, err = Load("COAPTESTBAD2_")
	assert.Error(t, err)
}

// The misspelled crop-rotation constant from the original configuration
// is accepted as an alias.
func TestDedupAcceptsMisspelledCropRotation(t *testing.T) {
	for _, name := range []string{"CropRotation", "DEDUPLICATOR_CROP_ROTATIO"} {
		cfg := Config{Deduplicator: name, ExchangeLifetime: time.Minute}
		d := cfg.Dedup()
		_, ok := d.(*dedup.CropRotation)
		assert.True(t, ok, "deduplicator %q should build CropRotation", name)
		d.Stop()
	}
}

func TestDedupDefaultsToMarkAndSweep(t *testing.T) {
	cfg := Config{ExchangeLifetime: time.Minute}
	d := cfg.Dedup()
	_, ok := d.(*dedup.MarkAndSweep)
	assert.True(t, ok)
	d.Stop()
}
