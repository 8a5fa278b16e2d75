package memory

import "testing"

func TestSimTranslatorRoundTrip(t *testing.T) {
	tr := NewSimTranslator(0x10000)
	r := tr.Alloc(4096)
	phys, err := tr.Translate(r.Bytes)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if phys != r.Phys {
		t.Fatalf("expected phys %#x, got %#x", r.Phys, phys)
	}

	sub := r.Bytes[100:200]
	subPhys, err := tr.Translate(sub)
	if err != nil {
		t.Fatalf("translate sub-slice: %v", err)
	}
	if subPhys != r.Phys+100 {
		t.Fatalf("expected sub-slice phys %#x, got %#x", r.Phys+100, subPhys)
	}
}

func TestSimTranslatorUnregistered(t *testing.T) {
	tr := NewSimTranslator(0)
	buf := make([]byte, 16)
	if _, err := tr.Translate(buf); err == nil {
		t.Fatal("expected error translating unregistered buffer")
	}
}

func TestIOVIterGathersAcrossSegments(t *testing.T) {
	iovs := []IOV{
		{Base: []byte("hello")},
		{Base: []byte("world")},
	}
	it := NewIOVIter(iovs)
	if it.Remaining() != 10 {
		t.Fatalf("expected 10 remaining bytes, got %d", it.Remaining())
	}
	first, ok := it.Next(5)
	if !ok || string(first) != "hello" {
		t.Fatalf("expected 'hello', got %q ok=%v", first, ok)
	}
	second, ok := it.Next(5)
	if !ok || string(second) != "world" {
		t.Fatalf("expected 'world', got %q ok=%v", second, ok)
	}
	if _, ok := it.Next(1); ok {
		t.Fatal("expected iterator to be exhausted")
	}
}

func TestIOVIterSplitWithinSegment(t *testing.T) {
	it := NewIOVIter([]IOV{{Base: []byte("abcdef")}})
	first, _ := it.Next(2)
	if string(first) != "ab" {
		t.Fatalf("expected 'ab', got %q", first)
	}
	rest, _ := it.Next(10)
	if string(rest) != "cdef" {
		t.Fatalf("expected 'cdef', got %q", rest)
	}
}
