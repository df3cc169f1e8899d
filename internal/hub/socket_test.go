package hub

import (
	"bytes"
	"testing"

	"contun/internal/domain"
)

func TestAppendBoundedWithinLimit(t *testing.T) {
	var buf []byte
	if err := appendBounded(&buf, []byte("hello")); err != nil {
		t.Fatalf("appendBounded error: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Errorf("buf = %q, want %q", buf, "hello")
	}
}

func TestAppendBoundedExceedsMax(t *testing.T) {
	buf := make([]byte, domain.MaxBuffer)
	if err := appendBounded(&buf, []byte{0x01}); err != domain.ErrBufferExceeded {
		t.Errorf("err = %v, want ErrBufferExceeded", err)
	}
}

func TestTotalBuffered(t *testing.T) {
	s := &socket{
		inBuffer:    make([]byte, 3),
		outBuffer:   make([]byte, 4),
		pendingData: make([]byte, 5),
	}
	if got := s.totalBuffered(); got != 12 {
		t.Errorf("totalBuffered = %d, want 12", got)
	}
}

func TestSplitLine(t *testing.T) {
	cases := []struct {
		in        string
		wantLine  string
		wantFound bool
	}{
		{"HELLO 1 socks\n", "HELLO 1 socks", true},
		{"HELLO 1 socks\r\n", "HELLO 1 socks", true},
		{"incomplete", "", false},
		{"a\nb", "a", true},
	}
	for _, c := range cases {
		line, _, found := splitLine([]byte(c.in))
		if found != c.wantFound {
			t.Errorf("splitLine(%q) found = %v, want %v", c.in, found, c.wantFound)
			continue
		}
		if found && line != c.wantLine {
			t.Errorf("splitLine(%q) line = %q, want %q", c.in, line, c.wantLine)
		}
	}
}
