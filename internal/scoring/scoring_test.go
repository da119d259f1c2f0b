package scoring

import "testing"

func TestComputePoints(t *testing.T) {
	tests := []struct {
		name      string
		correct   bool
		limitMs   int64
		elapsedMs int64
		want      int
	}{
		{name: "half time left", correct: true, limitMs: 60000, elapsedMs: 30000, want: 700},
		{name: "instant", correct: true, limitMs: 1000, elapsedMs: 0, want: 1000},
		{name: "negative elapsed", correct: true, limitMs: 1000, elapsedMs: -50, want: 1000},
		{name: "incorrect", correct: false, limitMs: 60000, elapsedMs: 1, want: 0},
		{name: "incorrect instant", correct: false, limitMs: 60000, elapsedMs: 0, want: 0},
		{name: "at the buzzer", correct: true, limitMs: 20000, elapsedMs: 20000, want: 400},
		{name: "late", correct: true, limitMs: 20000, elapsedMs: 90000, want: 400},
		{name: "no time limit", correct: true, limitMs: 0, elapsedMs: 5000, want: 1000},
		{name: "quarter elapsed", correct: true, limitMs: 40000, elapsedMs: 10000, want: 850},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputePoints(tt.correct, tt.limitMs, tt.elapsedMs); got != tt.want {
				t.Errorf("ComputePoints(%v, %d, %d) = %d, want %d", tt.correct, tt.limitMs, tt.elapsedMs, got, tt.want)
			}
		})
	}
}

func TestComputePointsStaysInRange(t *testing.T) {
	limits := []int64{-1, 0, 1, 999, 60000}
	elapsed := []int64{-100000, -1, 0, 1, 500, 60000, 1 << 40}
	for _, l := range limits {
		for _, e := range elapsed {
			for _, c := range []bool{true, false} {
				got := ComputePoints(c, l, e)
				if got < 0 || got > MaxPoints {
					t.Fatalf("ComputePoints(%v, %d, %d) = %d out of range", c, l, e, got)
				}
				if !c && got != 0 {
					t.Fatalf("incorrect answer scored %d", got)
				}
			}
		}
	}
}

func TestComputeAccuracy(t *testing.T) {
	tests := []struct {
		correct, total, want int
	}{
		{5, 0, 0},
		{7, 9, 78},
		{0, 4, 0},
		{4, 4, 100},
		{1, 3, 33},
		{2, 3, 67},
	}
	for _, tt := range tests {
		if got := ComputeAccuracy(tt.correct, tt.total); got != tt.want {
			t.Errorf("ComputeAccuracy(%d, %d) = %d, want %d", tt.correct, tt.total, got, tt.want)
		}
	}
}

func TestIsCorrect(t *testing.T) {
	tests := []struct {
		name     string
		selected []string
		keys     []string
		want     bool
	}{
		{name: "single match", selected: []string{"b"}, keys: []string{"b"}, want: true},
		{name: "order insensitive", selected: []string{"c", "a"}, keys: []string{"a", "c"}, want: true},
		{name: "missing option", selected: []string{"a"}, keys: []string{"a", "c"}, want: false},
		{name: "extra option", selected: []string{"a", "b", "c"}, keys: []string{"a", "c"}, want: false},
		{name: "duplicate option", selected: []string{"a", "a"}, keys: []string{"a", "c"}, want: false},
		{name: "no keys", selected: nil, keys: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCorrect(tt.selected, tt.keys); got != tt.want {
				t.Errorf("IsCorrect() = %v, want %v", got, tt.want)
			}
		})
	}
}
