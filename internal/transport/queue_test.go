package transport

import "testing"

func TestQueuePreservesOrderAndDrainsOnClose(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 100; i++ {
		q.Push(ConnData{Data: []byte{byte(i)}})
	}
	q.Close()
	q.Push(PeerDisconnected{})

	n := 0
	for e := range q.C() {
		data, ok := e.(ConnData)
		if !ok {
			t.Fatalf("event %d is %T", n, e)
		}
		if int(data.Data[0]) != n {
			t.Fatalf("event %d carries %d", n, data.Data[0])
		}
		n++
	}
	if n != 100 {
		t.Fatalf("delivered %d events, want 100", n)
	}
}
