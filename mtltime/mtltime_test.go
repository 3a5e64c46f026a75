package mtltime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualProvider(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mp := NewManualProvider(base)

	assert.Equal(t, base, mp.Now())

	mp.Advance(5 * time.Second)
	assert.Equal(t, base.Add(5*time.Second), mp.Now())
	assert.Equal(t, 5*time.Second, mp.Since(base))
}

func TestDefaultProviderRoundTrip(t *testing.T) {
	orig := GetDefaultProvider()
	defer SetDefaultProvider(orig)

	mp := NewManualProvider(time.Unix(0, 0))
	SetDefaultProvider(mp)
	assert.Same(t, mp, GetDefaultProvider())

	SetDefaultProvider(nil)
	_, ok := GetDefaultProvider().(DefaultProvider)
	assert.True(t, ok)
}
