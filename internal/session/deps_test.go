package session

import (
	"testing"
	"time"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	bo := newBackoff(time.Second, 4*time.Second)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := bo.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
}
