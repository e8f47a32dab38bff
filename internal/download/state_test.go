package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Phase]bool{
		{NotStarted, Downloading}:  true,
		{NotStarted, Completed}:    true,
		{NotStarted, NotStarted}:   true,
		{Downloading, Downloading}: true,
		{Downloading, Completed}:   true,
		{Downloading, Failed}:      true,
		{Downloading, NotStarted}:  true,
		{Failed, Downloading}:      true,
		{Failed, NotStarted}:       true,
		{Completed, NotStarted}:    true,
	}
	phases := []Phase{NotStarted, Downloading, Completed, Failed}
	for _, from := range phases {
		for _, to := range phases {
			assert.Equal(t, allowed[[2]Phase{from, to}], canTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestProgress_KnownSizes(t *testing.T) {
	var fracs []float64
	p := newProgress(func(done, total int64, frac float64) { fracs = append(fracs, frac) })
	p.track("a", 100)
	p.track("b", 300)

	p.add("a", 100)
	p.add("b", 100)
	p.add("b", 200)

	assert.Equal(t, []float64{0.25, 0.5, 1}, fracs)
	done, total, _ := p.totals()
	assert.Equal(t, int64(400), done)
	assert.Equal(t, int64(400), total)
}

func TestProgress_UnknownSizesNeverReachOne(t *testing.T) {
	p := newProgress(nil)
	p.track("a", 100)
	p.track("b", -1)

	p.add("a", 100)
	p.add("b", 10_000)
	_, total, frac := p.totals()
	assert.Zero(t, total)
	assert.Less(t, frac, 1.0)

	// Learning b's size completes the picture.
	p.reset("b", 10_000, 10_000)
	_, total, frac = p.totals()
	assert.Equal(t, int64(10_100), total)
	assert.Equal(t, 1.0, frac)
}

func TestProgress_RestartDoesNotRegress(t *testing.T) {
	p := newProgress(nil)
	p.track("a", 100)
	p.add("a", 60)
	_, _, before := p.totals()

	p.reset("a", 0, 100)
	_, _, after := p.totals()
	assert.Equal(t, before, after)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "downloading 42.0%", State{Phase: Downloading, Progress: 0.42}.String())
	assert.Equal(t, "completed", State{Phase: Completed}.String())
	assert.True(t, State{Phase: Failed}.Terminal())
	assert.False(t, State{Phase: Downloading}.Terminal())
}
