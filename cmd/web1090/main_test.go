package main

import "testing"

func TestNewRandIndependentSources(t *testing.T) {
	a, b := newRand(), newRand()
	if a == b {
		t.Fatal("newRand returned a shared source")
	}

	same := 0
	for range 8 {
		if a.Uint64() == b.Uint64() {
			same++
		}
	}
	if same == 8 {
		t.Error("two sources produced the same sequence")
	}
}
