package transport

import "sync"

type onceStream struct {
	once sync.Once
	end  func() error
	err  error
}

func (s *onceStream) End() error {
	s.once.Do(func() {
		if s.end != nil {
			s.err = s.end()
		}
	})
	return s.err
}
