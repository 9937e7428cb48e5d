package statepub

import "testing"

func TestARKeyFormat(t *testing.T) {
	got := arKey("rtu-a")
	want := "ar:rtu-a"
	if got != want {
		t.Fatalf("arKey = %q, want %q", got, want)
	}
}
