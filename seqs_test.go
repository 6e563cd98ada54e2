package btcp

import "testing"

func TestValueComparisons(t *testing.T) {
	tests := []struct {
		v, x     Value
		lessThan bool
	}{
		{0, 1, true},
		{1, 0, false},
		{5, 5, false},
		{100, 200, true},
		{0xffff, 0, true}, // wraps.
		{0, 0xffff, false},
		{0x7fff, 0x8000, true},
	}
	for _, tt := range tests {
		if got := tt.v.LessThan(tt.x); got != tt.lessThan {
			t.Errorf("Value(%d).LessThan(%d) = %v want %v", tt.v, tt.x, got, tt.lessThan)
		}
	}
	if !Value(7).LessThanEq(7) {
		t.Error("LessThanEq not reflexive")
	}
}

func TestValueInWindow(t *testing.T) {
	tests := []struct {
		v     Value
		first Value
		size  Size
		want  bool
	}{
		{10, 10, 5, true},
		{14, 10, 5, true},
		{15, 10, 5, false},
		{9, 10, 5, false},
		{1, 0xfffe, 5, true}, // window wraps the sequence space.
		{3, 0xfffe, 5, false},
	}
	for _, tt := range tests {
		if got := tt.v.InWindow(tt.first, tt.size); got != tt.want {
			t.Errorf("Value(%d).InWindow(%d, %d) = %v want %v", tt.v, tt.first, tt.size, got, tt.want)
		}
	}
}

func TestAddSizeof(t *testing.T) {
	if got := Add(0xfffe, 4); got != 2 {
		t.Errorf("Add wrap: got %d want 2", got)
	}
	if got := Sizeof(0xfffe, 2); got != 4 {
		t.Errorf("Sizeof wrap: got %d want 4", got)
	}
}
