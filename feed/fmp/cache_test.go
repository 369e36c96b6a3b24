package fmp

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestCache_SweepsUnreadExpiredKeys(t *testing.T) {
	mock := clock.NewMock()
	c := newCache(mock, 5*time.Minute)

	for _, key := range []string{"quote/AAPL", "quote/MSFT", "profile/TSLA"} {
		c.set(key, []byte(`[]`))
	}
	assert.Equal(t, 3, c.size())

	mock.Add(5 * time.Minute)
	c.set("quote/NVDA", []byte(`[]`))

	assert.Equal(t, 1, c.size(), "expired keys are dropped without being read")
	_, ok := c.get("quote/NVDA")
	assert.True(t, ok)
}

func TestCache_KeepsLiveEntriesOnSweep(t *testing.T) {
	mock := clock.NewMock()
	c := newCache(mock, 5*time.Minute)

	c.set("quote/AAPL", []byte(`[]`))
	mock.Add(3 * time.Minute)
	c.set("quote/MSFT", []byte(`[]`))
	mock.Add(2 * time.Minute)
	c.set("quote/TSLA", []byte(`[]`))

	assert.Equal(t, 2, c.size())
	_, ok := c.get("quote/AAPL")
	assert.False(t, ok)
	_, ok = c.get("quote/MSFT")
	assert.True(t, ok)
}

func TestCache_Disabled(t *testing.T) {
	c := newCache(clock.NewMock(), 0)
	c.set("quote/AAPL", []byte(`[]`))

	_, ok := c.get("quote/AAPL")
	assert.False(t, ok)
	assert.Equal(t, 0, c.size())
}
