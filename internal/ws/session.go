package ws

import (
	"sync"

	"github.com/vrdanmaku/danmaku/internal/channel"
)

// Session is the per-connection state: the channel the connection last
// selected.
type Session struct {
	mu     sync.Mutex
	handle channel.Handle
	bound  bool
}

func (s *Session) Bind(h channel.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
	s.bound = true
}

// Channel returns the bound channel; ok is false until Bind is called.
func (s *Session) Channel() (h channel.Handle, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.bound
}
