package plugin

import "sync"

// State 是插件在单个 Handler 生命周期内的私有状态，可在不同 hook 之间传递数据。
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState 创建空状态。
func NewState() *State {
	return &State{values: make(map[string]any)}
}

func (s *State) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *State) Set(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
	s.mu.Unlock()
}

func (s *State) Delete(key string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}
