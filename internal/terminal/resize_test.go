package terminal

import "testing"

func TestResizeQueue_SetAndNext(t *testing.T) {
	q := NewResizeQueue()
	q.Set(Size{Cols: 80, Rows: 24})
	size, ok := q.Next()
	if !ok {
		t.Fatal("expected an event")
	}
	if size.Cols != 80 || size.Rows != 24 {
		t.Errorf("got %+v", size)
	}
}

func TestResizeQueue_OverflowDropsOldest(t *testing.T) {
	q := NewResizeQueue()
	for i := uint32(0); i < 4; i++ {
		q.Set(Size{Cols: i, Rows: i})
	}
	q.Set(Size{Cols: 99, Rows: 99})

	size, ok := q.Next()
	if !ok || size.Cols != 1 {
		t.Errorf("got %+v, %v, want cols=1 (0 dropped)", size, ok)
	}
}

func TestResizeQueue_CloseThenSetDoesNotPanic(t *testing.T) {
	q := NewResizeQueue()
	q.Close()
	q.Close() // idempotent
	q.Set(Size{Cols: 1, Rows: 1})

	_, ok := q.Next()
	if ok {
		t.Error("expected no events after close")
	}
}
