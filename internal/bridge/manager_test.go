package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gdbrns/whatsapp-session-bridge/internal/backend"
)

type sentText struct {
	Recipient string
	Text      string
}

type fakeSession struct {
	mu           sync.Mutex
	sent         []sentText
	connected    bool
	logoutErr    error
	loggedOut    bool
	disconnected bool
}

func (s *fakeSession) SendText(ctx context.Context, recipient string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentText{Recipient: recipient, Text: text})
	return nil
}

func (s *fakeSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logoutErr != nil {
		return s.logoutErr
	}
	s.loggedOut = true
	return nil
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) sentMessages() []sentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentText(nil), s.sent...)
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	events   chan<- Event
	sessions []*fakeSession
	err      error
}

func (d *fakeDialer) Dial(ctx context.Context, deviceID string, events chan<- Event) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.dials++
	d.events = events
	s := &fakeSession{connected: true}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) emit(e Event) {
	d.mu.Lock()
	ch := d.events
	d.mu.Unlock()
	ch <- e
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type fakePersister struct {
	mu       sync.Mutex
	patches  []map[string]interface{}
	messages []backend.Message
	count    int
}

func (p *fakePersister) PatchDevice(ctx context.Context, creds backend.Credentials, deviceID string, fields map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patches = append(p.patches, fields)
	return nil
}

func (p *fakePersister) PatchTelemetry(ctx context.Context, creds backend.Credentials, deviceID string, fields map[string]interface{}) error {
	return p.PatchDevice(ctx, creds, deviceID, fields)
}

func (p *fakePersister) InsertMessage(ctx context.Context, creds backend.Credentials, msg backend.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePersister) MessageCount(ctx context.Context, creds backend.Credentials, deviceID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, nil
}

func (p *fakePersister) lastPatch() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.patches) == 0 {
		return nil
	}
	return p.patches[len(p.patches)-1]
}

type fakeCredStore struct {
	mu      sync.Mutex
	saves   int
	deletes int
	lastJID string
}

func (c *fakeCredStore) SaveRouting(ctx context.Context, deviceID string, storeJID string, creds backend.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	if storeJID != "" {
		c.lastJID = storeJID
	}
	return nil
}

func (c *fakeCredStore) DeleteRouting(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	return nil
}

func (c *fakeCredStore) deleteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes
}

func (c *fakeCredStore) lastStoreJID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastJID
}

func testConfig() Config {
	return Config{
		ReconnectDelay: 10 * time.Millisecond,
		TickInterval:   time.Hour,
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCreate_RequiresDeviceID(t *testing.T) {
	m := NewManager(testConfig(), &fakeDialer{}, &fakePersister{}, &fakeCredStore{})

	if err := m.Create(context.Background(), "   ", backend.Credentials{}); !errors.Is(err, ErrDeviceIDRequired) {
		t.Errorf("expected ErrDeviceIDRequired, got %v", err)
	}
	if m.ActiveSessions() != 0 {
		t.Errorf("expected no sessions, got %d", m.ActiveSessions())
	}
}

func TestCreate_DialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("dial refused")}
	m := NewManager(testConfig(), dialer, &fakePersister{}, &fakeCredStore{})

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err == nil {
		t.Fatal("expected dial error")
	}
	if m.ActiveSessions() != 0 {
		t.Errorf("expected no sessions after failed dial, got %d", m.ActiveSessions())
	}
}

func TestCreate_ReplacesPriorSession(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), dialer, &fakePersister{}, &fakeCredStore{})

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}
	first := dialer.lastSession()

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}

	if m.ActiveSessions() != 1 {
		t.Errorf("expected one session after replacement, got %d", m.ActiveSessions())
	}
	waitFor(t, "prior session was not disconnected", func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.disconnected
	})
}

func TestConnectedEvent_UpdatesStateAndClearsPairing(t *testing.T) {
	dialer := &fakeDialer{}
	persister := &fakePersister{}
	m := NewManager(testConfig(), dialer, persister, &fakeCredStore{})

	creds := backend.Credentials{URL: "http://backend.local", Key: "secret"}
	if err := m.Create(context.Background(), "dev-1", creds); err != nil {
		t.Fatal(err)
	}

	dialer.emit(PairingCodeEvent{Code: "2@pairing-token"})
	waitFor(t, "pairing artifact never appeared", func() bool {
		_, ok := m.PairingArtifact("dev-1")
		return ok
	})

	artifact, _ := m.PairingArtifact("dev-1")
	if !strings.HasPrefix(artifact, "data:image/png;base64,") {
		t.Errorf("expected data URI artifact, got %q", artifact[:min(len(artifact), 40)])
	}
	if snap := m.Status("dev-1"); !snap.HasQR || snap.Connected {
		t.Errorf("expected pending pairing snapshot, got %+v", snap)
	}

	dialer.emit(ConnectedEvent{Identity: "5511999998888:1@s.whatsapp.net"})
	waitFor(t, "session never reached connected", func() bool {
		return m.Status("dev-1").Connected
	})

	snap := m.Status("dev-1")
	if snap.Phone != "5511999998888" {
		t.Errorf("expected phone from identity, got %q", snap.Phone)
	}
	if snap.HasQR {
		t.Error("pairing artifact should be cleared on connect")
	}
	if snap.Battery != defaultBattery {
		t.Errorf("expected full battery, got %d", snap.Battery)
	}

	waitFor(t, "connect was never persisted", func() bool {
		patch := persister.lastPatch()
		return patch != nil && patch["status"] == string(StatusConnected)
	})
}

func TestCredentialsEvent_PersistsRouting(t *testing.T) {
	dialer := &fakeDialer{}
	credStore := &fakeCredStore{}
	m := NewManager(testConfig(), dialer, &fakePersister{}, credStore)

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}

	dialer.emit(CredentialsEvent{StoreJID: "5511999998888.0:1@s.whatsapp.net"})
	waitFor(t, "credentials were never persisted", func() bool {
		return credStore.lastStoreJID() == "5511999998888.0:1@s.whatsapp.net"
	})
}

func TestSendMessage_UnknownDevice(t *testing.T) {
	m := NewManager(testConfig(), &fakeDialer{}, &fakePersister{}, &fakeCredStore{})

	err := m.SendMessage(context.Background(), "ghost", "5511999998888", "hello")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSendMessage_NormalizesRecipient(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), dialer, &fakePersister{}, &fakeCredStore{})

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}

	if err := m.SendMessage(context.Background(), "dev-1", "+1 (555) 123-4567", "hello"); err != nil {
		t.Fatal(err)
	}

	sent := dialer.lastSession().sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	if sent[0].Recipient != "15551234567@s.whatsapp.net" {
		t.Errorf("expected normalized recipient, got %q", sent[0].Recipient)
	}
	if sent[0].Text != "hello" {
		t.Errorf("expected text preserved, got %q", sent[0].Text)
	}
}

func TestDisconnect_RemovesSessionAndRouting(t *testing.T) {
	dialer := &fakeDialer{}
	credStore := &fakeCredStore{}
	m := NewManager(testConfig(), dialer, &fakePersister{}, credStore)

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}
	dialer.emit(PairingCodeEvent{Code: "2@pairing-token"})
	waitFor(t, "pairing artifact never appeared", func() bool {
		_, ok := m.PairingArtifact("dev-1")
		return ok
	})

	if err := m.Disconnect(context.Background(), "dev-1"); err != nil {
		t.Fatal(err)
	}

	if m.ActiveSessions() != 0 {
		t.Errorf("expected no sessions, got %d", m.ActiveSessions())
	}
	if _, ok := m.PairingArtifact("dev-1"); ok {
		t.Error("expected pairing artifact cleared")
	}
	if credStore.deleteCount() != 1 {
		t.Errorf("expected one routing delete, got %d", credStore.deleteCount())
	}
	if !dialer.lastSession().loggedOut {
		t.Error("expected session logout")
	}
}

func TestDisconnect_LogoutFailureKeepsSession(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), dialer, &fakePersister{}, &fakeCredStore{})

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}
	dialer.lastSession().logoutErr = errors.New("stream closed")

	if err := m.Disconnect(context.Background(), "dev-1"); err == nil {
		t.Fatal("expected logout error")
	}
	if m.ActiveSessions() != 1 {
		t.Errorf("expected session kept after failed logout, got %d", m.ActiveSessions())
	}
}

func TestDisconnect_UnknownDevice(t *testing.T) {
	m := NewManager(testConfig(), &fakeDialer{}, &fakePersister{}, &fakeCredStore{})

	if err := m.Disconnect(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClosedEvent_LogoutRemovesSession(t *testing.T) {
	dialer := &fakeDialer{}
	credStore := &fakeCredStore{}
	m := NewManager(testConfig(), dialer, &fakePersister{}, credStore)

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}

	dialer.emit(ClosedEvent{LoggedOut: true, Reason: "logged out from phone"})
	waitFor(t, "logged-out session was never removed", func() bool {
		return m.ActiveSessions() == 0
	})
	waitFor(t, "routing was never deleted", func() bool {
		return credStore.deleteCount() == 1
	})

	// A logout closure must not arm a reconnect.
	time.Sleep(50 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Errorf("expected no redial after logout, got %d dials", dialer.dialCount())
	}
}

func TestClosedEvent_TransientSchedulesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), dialer, &fakePersister{}, &fakeCredStore{})

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}

	dialer.emit(ClosedEvent{Reason: "stream replaced"})
	waitFor(t, "session never redialed", func() bool {
		return dialer.dialCount() >= 2
	})

	// The device stays registered across the whole cycle.
	if m.ActiveSessions() != 1 {
		t.Errorf("expected session registered through reconnect, got %d", m.ActiveSessions())
	}
}

func TestClosedEvent_ReconnectBudgetExhausted(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := testConfig()
	cfg.MaxReconnects = 1
	m := NewManager(cfg, dialer, &fakePersister{}, &fakeCredStore{})

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}

	dialer.emit(ClosedEvent{Reason: "stream error"})
	waitFor(t, "first reconnect never happened", func() bool {
		return dialer.dialCount() == 2
	})

	dialer.emit(ClosedEvent{Reason: "stream error"})
	waitFor(t, "session was never removed after budget", func() bool {
		return m.ActiveSessions() == 0
	})

	time.Sleep(50 * time.Millisecond)
	if dialer.dialCount() != 2 {
		t.Errorf("expected dials capped at 2, got %d", dialer.dialCount())
	}
}

func TestMessagesEvent_ForwardsLiveTextOnly(t *testing.T) {
	dialer := &fakeDialer{}
	persister := &fakePersister{}
	m := NewManager(testConfig(), dialer, persister, &fakeCredStore{})

	creds := backend.Credentials{URL: "http://backend.local", Key: "secret"}
	if err := m.Create(context.Background(), "dev-1", creds); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	dialer.emit(MessagesEvent{Live: false, Messages: []InboundMessage{
		{ChatID: "a@s.whatsapp.net", MessageID: "hist-1", Content: "historical", Timestamp: now},
	}})
	dialer.emit(MessagesEvent{Live: true, Messages: []InboundMessage{
		{ChatID: "a@s.whatsapp.net", MessageID: "live-1", ContactPhone: "5511999998888", Content: "hello", Timestamp: now},
		{ChatID: "a@s.whatsapp.net", MessageID: "live-2", Content: "", Timestamp: now},
	}})

	waitFor(t, "live message was never forwarded", func() bool {
		persister.mu.Lock()
		defer persister.mu.Unlock()
		return len(persister.messages) == 1
	})

	persister.mu.Lock()
	msg := persister.messages[0]
	persister.mu.Unlock()
	if msg.MessageID != "live-1" {
		t.Errorf("expected live message forwarded, got %q", msg.MessageID)
	}
	if msg.DeviceID != "dev-1" {
		t.Errorf("expected device id stamped, got %q", msg.DeviceID)
	}
	if msg.Timestamp != backend.Timestamp(now) {
		t.Errorf("expected contract timestamp, got %q", msg.Timestamp)
	}
}

func TestStatus_UnknownDevice(t *testing.T) {
	m := NewManager(testConfig(), &fakeDialer{}, &fakePersister{}, &fakeCredStore{})

	snap := m.Status("ghost")
	if snap.Connected || snap.HasQR || snap.Phone != "" {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
	if snap.Battery != defaultBattery {
		t.Errorf("expected default battery, got %d", snap.Battery)
	}
}

func TestSync_Errors(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), dialer, &fakePersister{}, &fakeCredStore{})

	if _, _, _, err := m.Sync(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := m.Create(context.Background(), "dev-1", backend.Credentials{}); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := m.Sync(context.Background(), "dev-1"); !errors.Is(err, ErrNoBackend) {
		t.Errorf("expected ErrNoBackend, got %v", err)
	}
}

func TestSync_DemotesDeadConnection(t *testing.T) {
	dialer := &fakeDialer{}
	persister := &fakePersister{}
	m := NewManager(testConfig(), dialer, persister, &fakeCredStore{})

	creds := backend.Credentials{URL: "http://backend.local", Key: "secret"}
	if err := m.Create(context.Background(), "dev-1", creds); err != nil {
		t.Fatal(err)
	}
	dialer.emit(ConnectedEvent{Identity: "5511999998888:1"})
	waitFor(t, "session never reached connected", func() bool {
		return m.Status("dev-1").Connected
	})

	sess := dialer.lastSession()
	sess.mu.Lock()
	sess.connected = false
	sess.mu.Unlock()

	status, phone, battery, err := m.Sync(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusDisconnected {
		t.Errorf("expected demotion to disconnected, got %v", status)
	}
	if phone != "5511999998888" {
		t.Errorf("expected phone preserved, got %q", phone)
	}
	if battery != defaultBattery {
		t.Errorf("expected battery snapshot, got %d", battery)
	}

	patch := persister.lastPatch()
	if patch == nil || patch["status"] != string(StatusDisconnected) {
		t.Errorf("expected disconnected pushed to backend, got %v", patch)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
