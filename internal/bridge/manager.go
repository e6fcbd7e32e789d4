package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	mathrand "math/rand/v2"
	"strings"
	"sync"
	"time"

	qrCode "github.com/skip2/go-qrcode"
	"golang.org/x/sync/singleflight"

	"github.com/gdbrns/whatsapp-session-bridge/internal/backend"
	"github.com/gdbrns/whatsapp-session-bridge/pkg/log"
)

var (
	ErrDeviceIDRequired = errors.New("deviceId is required")
	ErrNotFound         = errors.New("no session found for device")
	ErrNoBackend        = errors.New("device has no backend credentials")
)

// Session is the live authenticated connection for one device, provided by
// the protocol layer.
type Session interface {
	SendText(ctx context.Context, recipient string, text string) error
	Logout(ctx context.Context) error
	Disconnect()
	Connected() bool
}

// Dialer opens a new protocol session for a device and wires its event
// stream into the supplied channel. Sends on the channel must block rather
// than drop, so credential updates cannot be lost.
type Dialer interface {
	Dial(ctx context.Context, deviceID string, events chan<- Event) (Session, error)
}

// CredentialStore durably maps a device to its protocol identity and backend
// credentials, so a process restart can resume the session.
type CredentialStore interface {
	SaveRouting(ctx context.Context, deviceID string, storeJID string, creds backend.Credentials) error
	DeleteRouting(ctx context.Context, deviceID string) error
}

// Persister mirrors lifecycle state into the external document store.
// Implemented by backend.Client; faked in tests.
type Persister interface {
	PatchDevice(ctx context.Context, creds backend.Credentials, deviceID string, fields map[string]interface{}) error
	PatchTelemetry(ctx context.Context, creds backend.Credentials, deviceID string, fields map[string]interface{}) error
	InsertMessage(ctx context.Context, creds backend.Credentials, msg backend.Message) error
	MessageCount(ctx context.Context, creds backend.Credentials, deviceID string) (int, error)
}

type Config struct {
	// ReconnectDelay is the fixed wait before the single reconnection attempt
	// scheduled per non-logout closure.
	ReconnectDelay time.Duration
	// MaxReconnects caps cumulative reconnection attempts per device.
	// Zero keeps the historical behavior: unbounded fixed-cadence retries.
	MaxReconnects int
	// TickInterval drives the per-session telemetry tick.
	TickInterval time.Duration
	// QRSize is the rendered pairing image edge length in pixels.
	QRSize int
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.QRSize <= 0 {
		c.QRSize = 256
	}
	return c
}

// Manager owns creation, reconnection and teardown of device sessions and
// relays session events into the stores and the external backend.
type Manager struct {
	cfg      Config
	dialer   Dialer
	backend  Persister
	creds    CredentialStore
	sessions *SessionStore
	pairing  *PairingStore
	metadata *MetadataStore

	createGroup singleflight.Group

	mu       sync.Mutex
	attempts map[string]int
}

func NewManager(cfg Config, dialer Dialer, persister Persister, creds CredentialStore) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		backend:  persister,
		creds:    creds,
		sessions: NewSessionStore(),
		pairing:  NewPairingStore(),
		metadata: NewMetadataStore(),
		attempts: make(map[string]int),
	}
}

func (m *Manager) ActiveSessions() int {
	return m.sessions.Len()
}

// PairingArtifact returns the rendered pairing code for deviceID, if one is
// pending.
func (m *Manager) PairingArtifact(deviceID string) (string, bool) {
	return m.pairing.Get(deviceID)
}

// Create opens a protocol session for deviceID and registers it. A prior
// session for the same device is torn down before replacement. Concurrent
// creates for the same device collapse into one dial.
func (m *Manager) Create(ctx context.Context, deviceID string, creds backend.Credentials) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrDeviceIDRequired
	}

	_, err, _ := m.createGroup.Do(deviceID, func() (interface{}, error) {
		return nil, m.createSession(ctx, deviceID, creds)
	})
	return err
}

func (m *Manager) createSession(ctx context.Context, deviceID string, creds backend.Credentials) error {
	if prior, ok := m.sessions.Get(deviceID); ok {
		prior.close()
	}

	if creds.Empty() {
		log.Print(nil).Warn("No backend credentials for device " + deviceID + "; persistence disabled")
	}

	events := make(chan Event, 64)
	sess, err := m.dialer.Dial(ctx, deviceID, events)
	if err != nil {
		return err
	}

	h := &Handle{
		DeviceID: deviceID,
		Session:  sess,
		Creds:    creds,
		status:   StatusConnecting,
		events:   events,
		done:     make(chan struct{}),
	}
	m.sessions.Set(h)

	if m.creds != nil && !creds.Empty() {
		if err := m.creds.SaveRouting(ctx, deviceID, "", creds); err != nil {
			log.Print(nil).WithError(err).Error("Failed to persist routing for device " + deviceID)
		}
	}

	go m.eventLoop(h)
	go m.tickLoop(h)
	return nil
}

// Disconnect logs the device out and removes every trace of the session.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	h, ok := m.sessions.Get(deviceID)
	if !ok {
		return ErrNotFound
	}

	if err := h.Session.Logout(ctx); err != nil {
		return err
	}

	m.remove(h)
	m.pairing.Delete(deviceID)
	m.metadata.Delete(deviceID)
	if m.creds != nil {
		if err := m.creds.DeleteRouting(ctx, deviceID); err != nil {
			log.Print(nil).WithError(err).Error("Failed to delete routing for device " + deviceID)
		}
	}
	m.persist(h, map[string]interface{}{
		"status":  string(StatusDisconnected),
		"qr_code": nil,
	})
	return nil
}

// SendMessage normalizes the recipient and delegates to the live session.
// On success the backend message counter is bumped asynchronously.
func (m *Manager) SendMessage(ctx context.Context, deviceID string, to string, text string) error {
	h, ok := m.sessions.Get(deviceID)
	if !ok {
		return ErrNotFound
	}

	if err := h.Session.SendText(ctx, NormalizeRecipient(to), text); err != nil {
		return err
	}

	m.metadata.Touch(deviceID)
	go m.bumpMessageCount(h)
	return nil
}

// bumpMessageCount is a read-modify-write against the backend counter. The
// document store exposes no increment primitive, so concurrent sends to the
// same device can lose an update; accepted limitation.
func (m *Manager) bumpMessageCount(h *Handle) {
	if h.Creds.Empty() {
		return
	}
	ctx := context.Background()
	count, err := m.backend.MessageCount(ctx, h.Creds, h.DeviceID)
	if err != nil {
		log.Print(nil).WithError(err).Error("Failed to read message count for device " + h.DeviceID)
		return
	}
	m.persist(h, map[string]interface{}{
		"messages_count": count + 1,
		"last_seen":      backend.Timestamp(time.Now()),
	})
}

// StatusSnapshot is a pure read of the three stores.
type StatusSnapshot struct {
	Connected bool
	HasQR     bool
	Battery   int
	Phone     string
}

func (m *Manager) Status(deviceID string) StatusSnapshot {
	snap := StatusSnapshot{Battery: defaultBattery}

	status, phone, ok := m.sessions.State(deviceID)
	if ok {
		snap.Connected = status == StatusConnected
		snap.Phone = phone
	}
	if _, pending := m.pairing.Get(deviceID); pending {
		snap.HasQR = true
	}
	if meta, ok := m.metadata.Get(deviceID); ok {
		snap.Battery = meta.Battery
	}
	return snap
}

// Sync re-reads live session state, pushes it to the backend and returns the
// refreshed snapshot.
func (m *Manager) Sync(ctx context.Context, deviceID string) (Status, string, int, error) {
	h, ok := m.sessions.Get(deviceID)
	if !ok {
		return StatusUninitialized, "", 0, ErrNotFound
	}
	if h.Creds.Empty() {
		return StatusUninitialized, "", 0, ErrNoBackend
	}

	status, phone, _ := m.sessions.State(deviceID)
	if status == StatusConnected && !h.Session.Connected() {
		status = StatusDisconnected
		m.sessions.SetStatus(deviceID, status)
	}

	battery := defaultBattery
	if meta, ok := m.metadata.Get(deviceID); ok {
		battery = meta.Battery
	}

	fields := map[string]interface{}{
		"status":    string(status),
		"battery":   battery,
		"last_seen": backend.Timestamp(time.Now()),
	}
	if phone != "" {
		fields["phone"] = phone
	}
	if err := m.backend.PatchDevice(ctx, h.Creds, deviceID, fields); err != nil {
		log.Print(nil).WithError(err).Error("Backend sync failed for device " + deviceID)
	}
	return status, phone, battery, nil
}

// SyncAll runs Sync over every registered session, logging failures. Used by
// the periodic health-check job.
func (m *Manager) SyncAll(ctx context.Context) {
	m.sessions.Range(func(h *Handle) {
		if _, _, _, err := m.Sync(ctx, h.DeviceID); err != nil && !errors.Is(err, ErrNoBackend) {
			log.Print(nil).WithError(err).Warn("Health sync failed for device " + h.DeviceID)
		}
	})
}

// remove drops the handle from the session store and stops its goroutines.
func (m *Manager) remove(h *Handle) {
	m.sessions.Remove(h)
	h.close()
}

// eventLoop consumes the session event stream one event at a time, which
// preserves per-device ordering.
func (m *Manager) eventLoop(h *Handle) {
	for {
		select {
		case <-h.done:
			return
		case evt, ok := <-h.events:
			if !ok {
				return
			}
			m.handleEvent(h, evt)
		}
	}
}

func (m *Manager) handleEvent(h *Handle, evt Event) {
	switch e := evt.(type) {
	case PairingCodeEvent:
		m.handlePairingCode(h, e)
	case ConnectedEvent:
		m.handleConnected(h, e)
	case ClosedEvent:
		m.handleClosed(h, e)
	case CredentialsEvent:
		m.handleCredentials(h, e)
	case MessagesEvent:
		m.handleMessages(h, e)
	}
}

func (m *Manager) handlePairingCode(h *Handle, e PairingCodeEvent) {
	png, err := qrCode.Encode(e.Code, qrCode.Medium, m.cfg.QRSize)
	if err != nil {
		log.Print(nil).WithError(err).Error("Failed to render pairing code for device " + h.DeviceID)
		return
	}
	artifact := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	m.pairing.Set(h.DeviceID, artifact)
	m.sessions.SetStatus(h.DeviceID, StatusAwaitingPairing)
	m.persist(h, map[string]interface{}{
		"status":  string(StatusConnecting),
		"qr_code": artifact,
	})
}

func (m *Manager) handleConnected(h *Handle, e ConnectedEvent) {
	phone := PhoneFromIdentity(e.Identity)

	m.pairing.Delete(h.DeviceID)
	m.sessions.SetConnected(h.DeviceID, phone)
	meta := m.metadata.Init(h.DeviceID)
	m.resetAttempts(h.DeviceID)

	log.Print(nil).Info("Device " + h.DeviceID + " connected as " + maskPhone(phone))
	m.persist(h, map[string]interface{}{
		"status":    string(StatusConnected),
		"phone":     phone,
		"battery":   meta.Battery,
		"qr_code":   nil,
		"last_seen": backend.Timestamp(meta.LastSeen),
	})
}

func (m *Manager) handleClosed(h *Handle, e ClosedEvent) {
	m.persist(h, map[string]interface{}{
		"status":  string(StatusDisconnected),
		"qr_code": nil,
	})

	if e.LoggedOut {
		log.Print(nil).Warn("Device " + h.DeviceID + " logged out: " + e.Reason)
		m.remove(h)
		if m.creds != nil {
			if err := m.creds.DeleteRouting(context.Background(), h.DeviceID); err != nil {
				log.Print(nil).WithError(err).Error("Failed to delete routing for device " + h.DeviceID)
			}
		}
		return
	}

	m.sessions.SetStatus(h.DeviceID, StatusDisconnected)
	m.scheduleReconnect(h, e.Reason)
}

// scheduleReconnect arms exactly one retry per closure, after a fixed delay.
// With MaxReconnects at zero a close/reopen loop retries indefinitely at
// fixed cadence, matching the historical policy.
func (m *Manager) scheduleReconnect(h *Handle, reason string) {
	m.mu.Lock()
	m.attempts[h.DeviceID]++
	attempt := m.attempts[h.DeviceID]
	m.mu.Unlock()

	if m.cfg.MaxReconnects > 0 && attempt > m.cfg.MaxReconnects {
		log.Print(nil).Warn("Device " + h.DeviceID + " exceeded reconnect budget; giving up")
		m.remove(h)
		return
	}

	log.Print(nil).Warn("Device " + h.DeviceID + " closed (" + reason + "); reconnecting in " + m.cfg.ReconnectDelay.String())
	time.AfterFunc(m.cfg.ReconnectDelay, func() {
		if err := m.Create(context.Background(), h.DeviceID, h.Creds); err != nil {
			log.Print(nil).WithError(err).Error("Reconnect failed for device " + h.DeviceID)
		}
	})
}

func (m *Manager) handleCredentials(h *Handle, e CredentialsEvent) {
	if m.creds == nil {
		return
	}
	// Persisted on every event; dropping one desynchronizes the stored
	// credentials from the live session.
	if err := m.creds.SaveRouting(context.Background(), h.DeviceID, e.StoreJID, h.Creds); err != nil {
		log.Print(nil).WithError(err).Error("Failed to persist credentials for device " + h.DeviceID)
	}
}

func (m *Manager) handleMessages(h *Handle, e MessagesEvent) {
	if !e.Live {
		return
	}

	for _, msg := range e.Messages {
		if msg.Content == "" {
			continue
		}
		rec := backend.Message{
			DeviceID:     h.DeviceID,
			ChatID:       msg.ChatID,
			MessageID:    msg.MessageID,
			FromMe:       msg.FromMe,
			ContactPhone: msg.ContactPhone,
			Content:      msg.Content,
			Timestamp:    backend.Timestamp(msg.Timestamp),
		}
		if err := m.backend.InsertMessage(context.Background(), h.Creds, rec); err != nil {
			log.Print(nil).WithError(err).Error("Failed to forward message for device " + h.DeviceID)
		}
	}

	m.metadata.Touch(h.DeviceID)
	m.persist(h, map[string]interface{}{
		"last_seen": backend.Timestamp(time.Now()),
	})
}

// tickLoop drives the simulated telemetry for one session until the handle
// is closed. Removing a session stops its ticker; nothing leaks.
func (m *Manager) tickLoop(h *Handle) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			m.tick(h)
		}
	}
}

func (m *Manager) tick(h *Handle) {
	// Placeholder simulation, not real telemetry.
	meta, ok := m.metadata.Decay(h.DeviceID, mathrand.IntN(2))
	if !ok {
		return
	}
	if err := m.backend.PatchTelemetry(context.Background(), h.Creds, h.DeviceID, map[string]interface{}{
		"battery":   meta.Battery,
		"last_seen": backend.Timestamp(meta.LastSeen),
	}); err != nil {
		log.Print(nil).WithError(err).Warn("Telemetry update failed for device " + h.DeviceID)
	}
}

// persist applies a best-effort device patch; failures inside event handlers
// are logged and swallowed.
func (m *Manager) persist(h *Handle, fields map[string]interface{}) {
	if h.Creds.Empty() {
		return
	}
	if err := m.backend.PatchDevice(context.Background(), h.Creds, h.DeviceID, fields); err != nil {
		log.Print(nil).WithError(err).Error("Backend update failed for device " + h.DeviceID)
	}
}

func (m *Manager) resetAttempts(deviceID string) {
	m.mu.Lock()
	delete(m.attempts, deviceID)
	m.mu.Unlock()
}

func maskPhone(phone string) string {
	if len(phone) < 4 {
		return phone
	}
	return phone[:len(phone)-4] + "xxxx"
}
