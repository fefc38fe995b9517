package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopNeverDeduplicates(t *testing.T) {
	d := NewNoop()
	defer d.Stop()
	_, found := d.FindPrevious("k", "a")
	assert.False(t, found)
	_, found = d.FindPrevious("k", "b")
	assert.False(t, found)
}

func TestMarkAndSweepFirstInsertWins(t *testing.T) {
	d := NewMarkAndSweep(Config{ExchangeLifetime: time.Hour})
	defer d.Stop()

	prev, found := d.FindPrevious("k", "first")
	require.False(t, found)
	assert.Nil(t, prev)

	prev, found = d.FindPrevious("k", "second")
	require.True(t, found)
	assert.Equal(t, "first", prev)
}

func TestMarkAndSweepEvictsAfterLifetime(t *testing.T) {
	d := NewMarkAndSweep(Config{ExchangeLifetime: 20 * time.Millisecond, MarkAndSweepInterval: 5 * time.Millisecond})
	defer d.Stop()

	_, found := d.FindPrevious("k", "v")
	require.False(t, found)

	time.Sleep(80 * time.Millisecond)

	_, found = d.FindPrevious("k", "v2")
	assert.False(t, found, "entry should have been swept after exceeding its lifetime")
}

func TestCropRotationFirstInsertWins(t *testing.T) {
	d := NewCropRotation(time.Hour)
	defer d.Stop()

	_, found := d.FindPrevious("k", "first")
	require.False(t, found)
	prev, found := d.FindPrevious("k", "second")
	require.True(t, found)
	assert.Equal(t, "first", prev)
}

func TestNewAcceptsBothCropRotationSpellings(t *testing.T) {
	for _, kind := range []Kind{KindCropRotation, KindCropRotationTypo} {
		d := New(kind, Config{ExchangeLifetime: time.Hour})
		_, isCrop := d.(*CropRotation)
		assert.True(t, isCrop, "kind %q should construct a CropRotation", kind)
		d.Stop()
	}
}

func TestNewDefaultsToMarkAndSweep(t *testing.T) {
	d := New("", Config{})
	_, isMarkAndSweep := d.(*MarkAndSweep)
	assert.True(t, isMarkAndSweep)
	d.Stop()

	d = New("bogus", Config{})
	_, isMarkAndSweep = d.(*MarkAndSweep)
	assert.True(t, isMarkAndSweep)
	d.Stop()
}
