package updater

// stage holds the newest received bytes before they reach flash. Bytes
// still in the buffer can be dropped when the server reports an earlier
// offset after a reconnect; flushed bytes cannot.
type stage struct {
	buf       []byte
	committed int64 // bytes handed to sink
	sink      func([]byte) error
}

func newStage(size int, sink func([]byte) error) *stage {
	return &stage{buf: make([]byte, 0, size), sink: sink}
}

// end is the offset one past the last received byte.
func (s *stage) end() int64 { return s.committed + int64(len(s.buf)) }

func (s *stage) write(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), cap(s.buf)-len(s.buf))
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		if len(s.buf) == cap(s.buf) {
			if err := s.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *stage) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	if err := s.sink(s.buf); err != nil {
		return err
	}
	s.committed += int64(len(s.buf))
	s.buf = s.buf[:0]
	return nil
}

// rewind drops staged bytes at and beyond offset. It reports false, and
// changes nothing, when offset is outside [committed, end].
func (s *stage) rewind(offset int64) bool {
	if offset < s.committed || offset > s.end() {
		return false
	}
	s.buf = s.buf[:offset-s.committed]
	return true
}
