// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import "sync"

// connStack is a mutex-protected LIFO of idle connections. The most recently
// returned connection is handed out first, so the rest age out through the
// idle timeout.
type connStack[C Connection] struct {
	mu    sync.Mutex
	top   *Pooled[C]
	count int
}

// PushIfBelow pushes conn unless the stack already holds limit connections.
func (s *connStack[C]) PushIfBelow(conn *Pooled[C], limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count >= limit {
		return false
	}
	conn.next = s.top
	s.top = conn
	s.count++
	return true
}

// Pop removes and returns the connection from the top of the stack.
// Returns nil and false if the stack is empty.
func (s *connStack[C]) Pop() (*Pooled[C], bool) {
	s.mu.Lock()
	if s.top == nil {
		s.mu.Unlock()
		return nil, false
	}
	conn := s.top
	s.top = conn.next
	s.count--
	s.mu.Unlock()
	conn.next = nil
	return conn, true
}

// Len returns the number of connections in the stack.
func (s *connStack[C]) Len() int {
	s.mu.Lock()
	n := s.count
	s.mu.Unlock()
	return n
}

// Drain empties the stack and returns its connections, top first.
func (s *connStack[C]) Drain() []*Pooled[C] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Pooled[C], 0, s.count)
	for conn := s.top; conn != nil; {
		next := conn.next
		conn.next = nil
		out = append(out, conn)
		conn = next
	}
	s.top = nil
	s.count = 0
	return out
}
