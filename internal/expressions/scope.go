package expressions

import (
	"encoding/json"
	"sync"
)

// VarStack is the run-local variable scope: a stack of frames where lookups
// walk from the innermost frame outwards and writes land in the innermost one.
// A graph branch gets its own stack through Fork, so iteration variables set
// on one branch are invisible to its siblings.
type VarStack struct {
	mu     sync.RWMutex
	frames []map[string]any
}

// NewVarStack returns a stack with a single root frame.
func NewVarStack() *VarStack {
	return &VarStack{frames: []map[string]any{{}}}
}

// Push opens a new innermost frame.
func (s *VarStack) Push() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, map[string]any{})
}

// Pop discards the innermost frame. The root frame is never removed.
func (s *VarStack) Pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) > 1 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

// Depth returns the number of frames.
func (s *VarStack) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// Set binds name in the innermost frame.
func (s *VarStack) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[len(s.frames)-1][name] = deepCopyAny(value)
}

// Get resolves name from the innermost frame outwards.
func (s *VarStack) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Flatten merges all frames, inner frames overriding outer ones.
func (s *VarStack) Flatten() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]any{}
	for _, f := range s.frames {
		for k, v := range f {
			out[k] = deepCopyAny(v)
		}
	}
	return out
}

// Fork returns an independent copy with one extra frame pushed.
func (s *VarStack) Fork() *VarStack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frames := make([]map[string]any, 0, len(s.frames)+1)
	for _, f := range s.frames {
		frames = append(frames, deepCopyMap(f))
	}
	frames = append(frames, map[string]any{})
	return &VarStack{frames: frames}
}

// --- Deep copy utilities ---

// DeepCopyMap returns a deep copy of m.
func DeepCopyMap(m map[string]any) map[string]any {
	return deepCopyMap(m)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices. Scalars are value types.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []map[string]any:
		cp := make([]map[string]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyMap(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
