package stats

import (
	"math"
	"sync"
	"testing"
)

func TestRunningMean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float64
		want    float64
	}{
		{name: "empty", want: 0},
		{name: "single", samples: []float64{4}, want: 4},
		{name: "mixed", samples: []float64{1, 2, 3, 4, 5}, want: 3},
		{name: "negative", samples: []float64{-2, 2, -4, 4}, want: 0},
		{name: "fractional", samples: []float64{0.1, 0.2, 0.3}, want: 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var m RunningMean
			for _, x := range tt.samples {
				m.Add(x)
			}
			if math.Abs(m.Mean()-tt.want) > 1e-9 {
				t.Errorf("Mean() = %v, want %v", m.Mean(), tt.want)
			}
			if m.Count() != int64(len(tt.samples)) {
				t.Errorf("Count() = %d, want %d", m.Count(), len(tt.samples))
			}
		})
	}
}

func TestRunningMean_MatchesArithmeticMean(t *testing.T) {
	t.Parallel()

	var m RunningMean
	sum := 0.0
	for i := 1; i <= 1000; i++ {
		x := float64(i%37) * 1.5
		sum += x
		m.Add(x)
	}
	if want := sum / 1000; math.Abs(m.Mean()-want) > 1e-9 {
		t.Errorf("Mean() = %v, want %v", m.Mean(), want)
	}
}

func TestRunningMean_Reset(t *testing.T) {
	t.Parallel()

	var m RunningMean
	m.Add(10)
	m.Reset()
	if m.Mean() != 0 || m.Count() != 0 {
		t.Errorf("after Reset: mean=%v count=%d", m.Mean(), m.Count())
	}
	m.Add(3)
	if m.Mean() != 3 {
		t.Errorf("Mean() after reset+add = %v, want 3", m.Mean())
	}
}

func TestRunningMean_Concurrent(t *testing.T) {
	t.Parallel()

	var m RunningMean
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				m.Add(2)
			}
		}()
	}
	wg.Wait()
	if m.Count() != 800 || m.Mean() != 2 {
		t.Errorf("count=%d mean=%v, want 800 and 2", m.Count(), m.Mean())
	}
}
