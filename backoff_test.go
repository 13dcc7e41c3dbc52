package outbox

import (
	"testing"
	"time"
)

func TestFixedBackoff(t *testing.T) {
	tests := []struct {
		name     string
		delay    time.Duration
		failures []int
	}{
		{
			name:     "standard delay",
			delay:    5 * time.Second,
			failures: []int{1, 2, 5, 10, 100},
		},
		{
			name:     "zero delay",
			delay:    0,
			failures: []int{1, 2, 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delayFunc := Fixed(tt.delay)

			for _, failures := range tt.failures {
				result := delayFunc(failures)
				if result != tt.delay {
					t.Errorf("Fixed(%v) after %d failures = %v, want %v",
						tt.delay, failures, result, tt.delay)
				}
			}
		})
	}
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		name     string
		delay    time.Duration
		maxDelay time.Duration
		cases    []struct {
			failures int
			expected time.Duration
		}
	}{
		{
			name:     "doubles until bounded by max",
			delay:    1 * time.Second,
			maxDelay: 60 * time.Second,
			cases: []struct {
				failures int
				expected time.Duration
			}{
				{failures: 1, expected: 1 * time.Second},
				{failures: 2, expected: 2 * time.Second},
				{failures: 3, expected: 4 * time.Second},
				{failures: 4, expected: 8 * time.Second},
				{failures: 7, expected: 60 * time.Second},
				{failures: 100, expected: 60 * time.Second},
			},
		},
		{
			name:     "initial delay above max is clamped",
			delay:    2 * time.Minute,
			maxDelay: 1 * time.Minute,
			cases: []struct {
				failures int
				expected time.Duration
			}{
				{failures: 1, expected: 1 * time.Minute},
				{failures: 5, expected: 1 * time.Minute},
			},
		},
		{
			name:     "large failure counts do not overflow",
			delay:    200 * time.Millisecond,
			maxDelay: time.Hour,
			cases: []struct {
				failures int
				expected time.Duration
			}{
				{failures: 1000000, expected: time.Hour},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delayFunc := Exponential(tt.delay, tt.maxDelay)

			for _, c := range tt.cases {
				result := delayFunc(c.failures)
				if result != c.expected {
					t.Errorf("Exponential(%v, %v) after %d failures = %v, want %v",
						tt.delay, tt.maxDelay, c.failures, result, c.expected)
				}
			}
		})
	}
}
