package iobuf

import "testing"

func TestBufferWriteConsumeCycle(t *testing.T) {
	b := NewBuffer(16 * 1024)
	defer b.Release()

	if !b.Empty() {
		t.Fatal("new buffer should be empty")
	}

	copy(b.Writable(), []byte("hello"))
	b.Produced(5)

	if b.Used() != 5 {
		t.Fatalf("expected Used()=5, got %d", b.Used())
	}
	if string(b.Unread()) != "hello" {
		t.Fatalf("expected Unread()=hello, got %q", b.Unread())
	}

	b.Consumed(5)
	if !b.Empty() {
		t.Fatal("buffer should be empty after consuming all produced bytes")
	}
	if b.Free() != b.Cap() {
		t.Fatalf("expected full free capacity after drain, got %d/%d", b.Free(), b.Cap())
	}
}

func TestBufferPartialConsume(t *testing.T) {
	b := NewBuffer(4 * 1024)
	defer b.Release()

	copy(b.Writable(), []byte("abcdef"))
	b.Produced(6)
	b.Consumed(2)

	if string(b.Unread()) != "cdef" {
		t.Fatalf("expected Unread()=cdef, got %q", b.Unread())
	}
}

func TestBufferFull(t *testing.T) {
	b := NewBuffer(4 * 1024)
	defer b.Release()

	b.Produced(b.Cap())
	if !b.Full() {
		t.Fatal("expected Full() after producing full capacity")
	}
}

func TestPoolBucketing(t *testing.T) {
	tests := []struct {
		request  uint32
		wantCap  int
	}{
		{100, size4k},
		{size4k + 1, size16k},
		{size16k + 1, size64k},
		{size64k + 1, size256k},
		{size256k + 1, int(size256k + 1)},
	}

	for _, tt := range tests {
		buf := Get(tt.request)
		if tt.request <= size256k && cap(buf) != tt.wantCap {
			t.Errorf("Get(%d): expected cap %d, got %d", tt.request, tt.wantCap, cap(buf))
		}
		Put(buf)
	}
}
