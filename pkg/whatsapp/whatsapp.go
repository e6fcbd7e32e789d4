package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/whatsapp-session-bridge/internal/backend"
	"github.com/gdbrns/whatsapp-session-bridge/internal/bridge"
	"github.com/gdbrns/whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/whatsapp-session-bridge/pkg/log"
)

const (
	logoutRequestTimeout = 30 * time.Second
	storeCleanupTimeout  = 5 * time.Second
)

var (
	container     *sqlstore.Container
	clientProxy   string
	bridgeManager *bridge.Manager
)

// Init opens the whatsmeow credential datastore and the routing table, then
// assembles the session lifecycle manager. Must run before the control
// surface accepts traffic.
func Init(ctx context.Context) error {
	dsn, err := env.GetEnvString("BRIDGE_DATASTORE_URI")
	if err != nil {
		return fmt.Errorf("BRIDGE_DATASTORE_URI: %w", err)
	}
	dsn = normalizeDatastoreDSN(dsn)

	log.Print(nil).Info("Initializing WhatsApp credential datastore")

	container, err = sqlstore.New(ctx, "pgx", dsn, nil)
	if err != nil {
		return fmt.Errorf("open credential datastore: %w", err)
	}
	if err := container.Upgrade(ctx); err != nil {
		return fmt.Errorf("upgrade credential datastore schema: %w", err)
	}

	routing, err := openRoutingStore(dsn)
	if err != nil {
		return fmt.Errorf("open routing datastore: %w", err)
	}
	routingStore = routing

	clientProxy = env.GetEnvStringOrDefault("WHATSAPP_CLIENT_PROXY_URL", "")

	store.DeviceProps.Os = proto.String(runtime.GOOS)
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	cfg := bridge.Config{
		ReconnectDelay: env.GetEnvDurationOrDefault("BRIDGE_RECONNECT_DELAY", 5*time.Second),
		MaxReconnects:  env.GetEnvIntOrDefault("BRIDGE_RECONNECT_MAX_ATTEMPTS", 0),
		TickInterval:   env.GetEnvDurationOrDefault("BRIDGE_TICK_INTERVAL", 30*time.Second),
	}
	bridgeManager = bridge.NewManager(cfg, &meowDialer{routing: routing}, backend.NewClient(), routing)

	log.Print(nil).Info("database is ok")
	return nil
}

// Bridge exposes the process-wide lifecycle manager to the control surface.
func Bridge() *bridge.Manager {
	return bridgeManager
}

// meowDialer opens whatsmeow sessions backed by the per-device credential
// store and relays their events into the bridge's typed channel.
type meowDialer struct {
	routing *RoutingStore
}

func (d *meowDialer) Dial(ctx context.Context, deviceID string, events chan<- bridge.Event) (bridge.Session, error) {
	if container == nil {
		return nil, errors.New("whatsapp datastore not initialized")
	}

	device, err := d.deviceFor(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, nil)
	if clientProxy != "" {
		client.SetProxyAddress(clientProxy)
	}
	// Reconnection policy lives in the bridge manager, one scheduled
	// attempt per closure.
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	s := &meowSession{client: client, stopped: make(chan struct{})}
	client.AddEventHandler(s.relay(deviceID, events))

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			return nil, err
		}
		if err := client.Connect(); err != nil {
			return nil, err
		}
		go s.pumpPairingCodes(deviceID, qrChan, events)
		return s, nil
	}

	if err := client.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// deviceFor resolves the durable credential row for deviceID, creating a
// fresh one when the device has never paired. Authentication material is
// scoped to a single device identifier; nothing is shared.
func (d *meowDialer) deviceFor(ctx context.Context, deviceID string) (*store.Device, error) {
	jidStr, err := d.routing.StoreJID(ctx, deviceID)
	if err == nil && jidStr != "" {
		jid, perr := types.ParseJID(jidStr)
		if perr == nil {
			device, gerr := container.GetDevice(ctx, jid)
			if gerr == nil && device != nil {
				return device, nil
			}
		}
	}
	return container.NewDevice(), nil
}

type meowSession struct {
	client   *whatsmeow.Client
	stopped  chan struct{}
	stopOnce sync.Once
}

func (s *meowSession) stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}

// emit blocks until the event is consumed or the session is stopped, so no
// event is silently dropped while the session lives.
func (s *meowSession) emit(out chan<- bridge.Event, evt bridge.Event) {
	select {
	case out <- evt:
	case <-s.stopped:
	}
}

func (s *meowSession) relay(deviceID string, out chan<- bridge.Event) func(interface{}) {
	return func(evt interface{}) {
		switch e := evt.(type) {
		case *events.PairSuccess:
			s.emit(out, bridge.CredentialsEvent{StoreJID: e.ID.String()})
		case *events.Connected:
			identity := ""
			if s.client.Store.ID != nil {
				identity = s.client.Store.ID.String()
			}
			s.emit(out, bridge.ConnectedEvent{Identity: identity})
		case *events.LoggedOut:
			s.emit(out, bridge.ClosedEvent{LoggedOut: true, Reason: fmt.Sprintf("%v", e.Reason)})
		case *events.StreamReplaced:
			s.emit(out, bridge.ClosedEvent{Reason: "stream replaced"})
		case *events.Disconnected:
			s.emit(out, bridge.ClosedEvent{Reason: "connection closed"})
		case *events.ConnectFailure:
			log.Print(nil).Error(fmt.Sprintf("Client connection failure for %s: reason=%v, message=%s", deviceID, e.Reason, e.Message))
		case *events.KeepAliveTimeout:
			log.Print(nil).Warn(fmt.Sprintf("Client keepalive timeout for %s: errors=%d, lastSuccess=%s", deviceID, e.ErrorCount, e.LastSuccess.Format(time.RFC3339)))
		case *events.Message:
			if msg := inboundText(e); msg != nil {
				s.emit(out, bridge.MessagesEvent{Live: true, Messages: []bridge.InboundMessage{*msg}})
			}
		}
	}
}

// inboundText extracts the text content of a live message event. Non-text
// payloads yield nil and are not forwarded. History backfill never reaches
// this path; whatsmeow delivers it as a separate HistorySync event that the
// relay ignores.
func inboundText(e *events.Message) *bridge.InboundMessage {
	if e.Message == nil {
		return nil
	}
	text := e.Message.GetConversation()
	if text == "" {
		text = e.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return nil
	}
	return &bridge.InboundMessage{
		ChatID:       e.Info.Chat.String(),
		MessageID:    e.Info.ID,
		FromMe:       e.Info.IsFromMe,
		ContactPhone: e.Info.Sender.User,
		Content:      text,
		Timestamp:    e.Info.Timestamp,
	}
}

func (s *meowSession) pumpPairingCodes(deviceID string, qrChan <-chan whatsmeow.QRChannelItem, out chan<- bridge.Event) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			s.emit(out, bridge.PairingCodeEvent{Code: evt.Code})
		case whatsmeow.QRChannelSuccess.Event:
			return
		case whatsmeow.QRChannelTimeout.Event:
			// The socket drops after the QR window closes; the resulting
			// Disconnected event drives a fresh pairing round.
			log.Print(nil).Warn("Pairing window timed out for device " + deviceID)
			return
		default:
			if evt.Error != nil {
				log.Print(nil).WithError(evt.Error).Error("Pairing channel failed for device " + deviceID)
			}
			return
		}
	}
}

func (s *meowSession) SendText(ctx context.Context, recipient string, text string) error {
	jid, err := types.ParseJID(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	_, err = s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (s *meowSession) Logout(ctx context.Context) error {
	defer s.stop()

	if s.client.Store.ID == nil {
		s.client.Disconnect()
		return nil
	}

	logoutCtx, cancel := context.WithTimeout(ctx, logoutRequestTimeout)
	defer cancel()

	if err := s.client.Logout(logoutCtx); err != nil {
		// Remote logout failed; fall back to wiping the local credentials.
		s.client.Disconnect()
		storeCtx, storeCancel := context.WithTimeout(context.Background(), storeCleanupTimeout)
		defer storeCancel()
		if derr := s.client.Store.Delete(storeCtx); derr != nil {
			return err
		}
	}
	return nil
}

func (s *meowSession) Disconnect() {
	s.stop()
	s.client.Disconnect()
}

func (s *meowSession) Connected() bool {
	return s.client.IsConnected() && s.client.IsLoggedIn()
}
