package tokens

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"привет", 2},
		{"日本語の試験", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Estimate(tt.text), tt.text)
	}
}

func TestUsageThresholds(t *testing.T) {
	tr := NewTracker(1000)

	u := tr.Usage()
	assert.Equal(t, 0.0, u.Percentage)
	assert.False(t, u.Warning)
	assert.False(t, u.Disabled)

	tr.Add(500, 299)
	u = tr.Usage()
	assert.Equal(t, 799, u.Used)
	assert.Equal(t, 79.9, u.Percentage)
	assert.False(t, u.Warning)

	tr.Add(0, 1)
	u = tr.Usage()
	assert.True(t, u.Warning)
	assert.False(t, u.Disabled)

	tr.Add(300, 0)
	u = tr.Usage()
	assert.Equal(t, 100.0, u.Percentage)
	assert.True(t, u.Disabled)
	assert.True(t, tr.Disabled())

	tr.Add(5000, 0)
	assert.Equal(t, 100.0, tr.Usage().Percentage)

	tr.Reset()
	assert.Equal(t, 0, tr.Usage().Used)
	assert.False(t, tr.Disabled())
}

func TestZeroBudgetIsDisabled(t *testing.T) {
	assert.True(t, NewTracker(0).Disabled())
}

func TestRoundsPercentage(t *testing.T) {
	tr := NewTracker(3)
	tr.Add(1, 0)
	assert.Equal(t, 33.33, tr.Usage().Percentage)
}

func TestConcurrentAdd(t *testing.T) {
	tr := NewTracker(DefaultBudget)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Add(2, 3)
		}()
	}
	wg.Wait()
	u := tr.Usage()
	assert.Equal(t, 100, u.Input)
	assert.Equal(t, 150, u.Output)
}
