package bridge

import (
	"sync"
	"time"

	"github.com/gdbrns/whatsapp-session-bridge/internal/backend"
)

// Status is the lifecycle state of a device session.
type Status string

const (
	StatusUninitialized   Status = "uninitialized"
	StatusConnecting      Status = "connecting"
	StatusAwaitingPairing Status = "awaiting-pairing"
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
)

const defaultBattery = 100

// Handle is one registered device session: the live protocol session, the
// backend credentials supplied at creation, and the channels owned by the
// manager's per-device goroutines.
type Handle struct {
	DeviceID string
	Session  Session
	Creds    backend.Credentials

	status Status
	phone  string

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// close stops the handle's event loop and ticker and disconnects the
// underlying session. Safe to call more than once.
func (h *Handle) close() {
	h.closeOnce.Do(func() {
		close(h.done)
		if h.Session != nil {
			h.Session.Disconnect()
		}
	})
}

// SessionStore maps device identifiers to active session handles. At most
// one handle per device; Set replaces. Every mutation is a single atomic
// step under the store lock.
type SessionStore struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewSessionStore() *SessionStore {
	return &SessionStore{handles: make(map[string]*Handle)}
}

func (s *SessionStore) Get(deviceID string) (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[deviceID]
	return h, ok
}

// Set registers a handle, returning the replaced one if present.
func (s *SessionStore) Set(h *Handle) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.handles[h.DeviceID]
	s.handles[h.DeviceID] = h
	return prior
}

// Remove deletes the entry for deviceID only if it still points at h, so a
// stale goroutine cannot evict a replacement session.
func (s *SessionStore) Remove(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[h.DeviceID] == h {
		delete(s.handles, h.DeviceID)
	}
}

func (s *SessionStore) SetStatus(deviceID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[deviceID]; ok {
		h.status = status
	}
}

func (s *SessionStore) SetConnected(deviceID string, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[deviceID]; ok {
		h.status = StatusConnected
		h.phone = phone
	}
}

// State reads the status and phone for deviceID in one step.
func (s *SessionStore) State(deviceID string) (Status, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[deviceID]
	if !ok {
		return StatusUninitialized, "", false
	}
	return h.status, h.phone, true
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

func (s *SessionStore) Range(fn func(*Handle)) {
	s.mu.RLock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.RUnlock()
	for _, h := range handles {
		fn(h)
	}
}

// PairingStore holds the most recently rendered pairing artifact per device.
// Entries are overwritten per pairing-code event and cleared once the
// session connects. They deliberately survive disconnects, matching the
// observed lifecycle.
type PairingStore struct {
	mu        sync.RWMutex
	artifacts map[string]string
}

func NewPairingStore() *PairingStore {
	return &PairingStore{artifacts: make(map[string]string)}
}

func (p *PairingStore) Set(deviceID string, artifact string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.artifacts[deviceID] = artifact
}

func (p *PairingStore) Get(deviceID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	artifact, ok := p.artifacts[deviceID]
	return artifact, ok
}

func (p *PairingStore) Delete(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.artifacts, deviceID)
}

// Metadata is best-effort device telemetry. Battery is a placeholder
// simulation, not a hardware reading.
type Metadata struct {
	Battery  int
	LastSeen time.Time
}

type MetadataStore struct {
	mu      sync.RWMutex
	entries map[string]Metadata
}

func NewMetadataStore() *MetadataStore {
	return &MetadataStore{entries: make(map[string]Metadata)}
}

// Init seeds a device with a full battery and a fresh last-seen timestamp.
func (m *MetadataStore) Init(deviceID string) Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := Metadata{Battery: defaultBattery, LastSeen: time.Now()}
	m.entries[deviceID] = entry
	return entry
}

func (m *MetadataStore) Get(deviceID string) (Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[deviceID]
	return entry, ok
}

// Touch refreshes last-seen for deviceID.
func (m *MetadataStore) Touch(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[deviceID]
	if !ok {
		entry = Metadata{Battery: defaultBattery}
	}
	entry.LastSeen = time.Now()
	m.entries[deviceID] = entry
}

// Decay lowers the simulated battery by delta, clamped at batteryFloor, and
// refreshes last-seen. Returns the updated entry.
func (m *MetadataStore) Decay(deviceID string, delta int) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[deviceID]
	if !ok {
		return Metadata{}, false
	}
	entry.Battery -= delta
	if entry.Battery < batteryFloor {
		entry.Battery = batteryFloor
	}
	entry.LastSeen = time.Now()
	m.entries[deviceID] = entry
	return entry, true
}

func (m *MetadataStore) Delete(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, deviceID)
}

const batteryFloor = 20
