package service

import "testing"

func TestVerdictFailed(t *testing.T) {
	tests := []struct {
		name   string
		review string
		want   bool
	}{
		{"explicit fail line", "looks wrong\nVERDICT: FAIL\n", true},
		{"fail mid-review", "VERDICT: FAIL\nbut then some rambling", true},
		{"trailing verdict fail", "review text\nVERDICT - FAIL", true},
		{"trailing verdict fail with detail", "text\nVERDICT (2 issues): FAILED", true},
		{"pass", "all good\nVERDICT: PASS\n", false},
		{"no verdict at all", "the change looks fine to me", false},
		{"fail word without verdict prefix", "tests FAIL locally\nVERDICT: PASS", false},
		{"empty review", "", false},
		{"trailing blank lines after pass", "VERDICT: PASS\n\n\n", false},
		{"fail then trailing pass line", "VERDICT: FAIL\nVERDICT: PASS", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerdictFailed(tt.review); got != tt.want {
				t.Fatalf("VerdictFailed(%q) = %v, want %v", tt.review, got, tt.want)
			}
		})
	}
}
