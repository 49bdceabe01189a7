// Package sharedmem manages named memory segments used to move large
// binding values between host and worker without copying them into
// messages.
package sharedmem

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/machinefabric/workerchan-go/wire"
)

// SegmentType is recorded on every reference the manager hands out.
const SegmentType = "bytes"

type segment struct {
	invocationID string
	data         []byte
}

// Manager owns segments, grouped by the invocation that allocated them.
type Manager struct {
	mu           sync.Mutex
	segments     map[string]*segment
	byInvocation map[string][]string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		segments:     make(map[string]*segment),
		byInvocation: make(map[string][]string),
	}
}

// Allocate copies data into a new segment owned by invocationID.
func (m *Manager) Allocate(invocationID string, data []byte) (wire.SharedMemoryRef, error) {
	if invocationID == "" {
		return wire.SharedMemoryRef{}, fmt.Errorf("shared memory allocation requires an invocation id")
	}
	name := "wc-" + uuid.NewString()
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[name] = &segment{invocationID: invocationID, data: buf}
	m.byInvocation[invocationID] = append(m.byInvocation[invocationID], name)
	return wire.SharedMemoryRef{Name: name, Offset: 0, Count: int64(len(buf)), Type: SegmentType}, nil
}

// Read returns a copy of the bytes a reference points at.
func (m *Manager) Read(ref wire.SharedMemoryRef) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[ref.Name]
	if !ok {
		return nil, fmt.Errorf("shared memory segment %s not found", ref.Name)
	}
	if ref.Offset < 0 || ref.Count < 0 || ref.Offset+ref.Count > int64(len(seg.data)) {
		return nil, fmt.Errorf("shared memory range [%d,+%d) outside segment %s of %d bytes",
			ref.Offset, ref.Count, ref.Name, len(seg.data))
	}
	out := make([]byte, ref.Count)
	copy(out, seg.data[ref.Offset:ref.Offset+ref.Count])
	return out, nil
}

// FreeForInvocation releases every segment of invocationID. It reports
// whether anything was freed.
func (m *Manager) FreeForInvocation(invocationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	names, ok := m.byInvocation[invocationID]
	if !ok {
		return false
	}
	delete(m.byInvocation, invocationID)
	for _, name := range names {
		delete(m.segments, name)
	}
	return len(names) > 0
}

// Names returns the segments currently owned by invocationID.
func (m *Manager) Names(invocationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.byInvocation[invocationID]...)
}

// Free releases the named segments and returns how many existed.
func (m *Manager) Free(names []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	freed := 0
	for _, name := range names {
		seg, ok := m.segments[name]
		if !ok {
			continue
		}
		delete(m.segments, name)
		freed++
		owned := m.byInvocation[seg.invocationID]
		for i, n := range owned {
			if n == name {
				owned = append(owned[:i], owned[i+1:]...)
				break
			}
		}
		if len(owned) == 0 {
			delete(m.byInvocation, seg.invocationID)
		} else {
			m.byInvocation[seg.invocationID] = owned
		}
	}
	return freed
}

// Len returns the number of live segments.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}
