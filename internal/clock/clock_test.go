package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixed pins the clock's notion of physical time to sec seconds.
func fixed(c *Clock, sec int64) {
	c.nowFunc = func() time.Time { return time.Unix(sec, 0) }
}

func TestMajoritySkewWins(t *testing.T) {
	c := New(100)
	fixed(c, 2000)

	// Five honest samples: mtime 1900 -> skew 100.
	for i := 0; i < 5; i++ {
		c.Update(1900, true)
	}
	// Two rogue samples from the future: mtime 2500 -> skew -500.
	for i := 0; i < 2; i++ {
		c.Update(2500, true)
	}

	assert.Equal(t, int64(100), c.Skew())
	assert.Equal(t, float64(1900), c.Now())
}

func TestNoSamplesReturnsPhysicalNow(t *testing.T) {
	c := New(10)
	fixed(c, 4242)

	assert.Equal(t, int64(0), c.Skew())
	assert.Equal(t, float64(4242), c.Now())
}

func TestSingleSample(t *testing.T) {
	c := New(10)
	fixed(c, 1000)

	w := c.Update(970, true)
	require.Equal(t, int64(30), c.Skew())
	assert.Equal(t, float64(970), w)
}

func TestTieBreakPrefersSmallerSkew(t *testing.T) {
	c := New(10)
	fixed(c, 1000)

	c.Update(900, true) // skew 100
	c.Update(950, true) // skew 50

	assert.Equal(t, int64(50), c.Skew())
}

func TestColdSourcesDoNotSample(t *testing.T) {
	c := New(10)
	fixed(c, 1000)

	c.Update(1, false) // snapshot of an ancient file
	assert.Equal(t, int64(0), c.Skew())

	c.Update(990, true)
	assert.Equal(t, int64(10), c.Skew())
}

func TestWindowEviction(t *testing.T) {
	c := New(3)
	fixed(c, 1000)

	c.Update(900, true) // skew 100
	c.Update(900, true)
	c.Update(900, true)
	// Window full; the next three evict every skew-100 vote.
	c.Update(995, true) // skew 5
	c.Update(995, true)
	c.Update(995, true)

	assert.Equal(t, int64(5), c.Skew())
}

func TestReset(t *testing.T) {
	c := New(10)
	fixed(c, 1000)

	c.Update(900, true)
	require.Equal(t, int64(100), c.Skew())

	c.Reset()
	assert.Equal(t, int64(0), c.Skew())
	assert.Equal(t, float64(1000), c.Now())
}
