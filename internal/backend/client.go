package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	"golang.org/x/time/rate"

	"github.com/gdbrns/whatsapp-session-bridge/pkg/log"
)

// Credentials address one caller-supplied document store. They are held for
// the lifetime of a device session and used for every call tied to it.
type Credentials struct {
	URL string
	Key string
}

func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.URL) == "" || strings.TrimSpace(c.Key) == ""
}

// Message is the fixed external contract for the messages collection.
type Message struct {
	DeviceID     string `json:"device_id"`
	ChatID       string `json:"chat_id"`
	MessageID    string `json:"message_id"`
	FromMe       bool   `json:"from_me"`
	ContactPhone string `json:"contact_phone"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"`
}

// Client is a stateless, best-effort adapter for a PostgREST-style document
// store. Failures are returned to the caller; event handlers log and swallow
// them. Telemetry writes go through a rate limiter so per-session tickers
// cannot stampede the backend.
type Client struct {
	timeout   time.Duration
	telemetry *rate.Limiter
}

func NewClient() *Client {
	return &Client{
		timeout:   10 * time.Second,
		telemetry: rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
	}
}

func headers(creds Credentials) gout.H {
	return gout.H{
		"apikey":        creds.Key,
		"Authorization": "Bearer " + creds.Key,
		"Prefer":        "return=minimal",
	}
}

func baseURL(creds Credentials) string {
	return strings.TrimRight(strings.TrimSpace(creds.URL), "/")
}

// PatchDevice applies a partial update to the devices collection row for
// deviceID. A no-op when credentials are absent.
func (c *Client) PatchDevice(ctx context.Context, creds Credentials, deviceID string, fields map[string]interface{}) error {
	if creds.Empty() {
		return nil
	}

	var code int
	err := gout.PATCH(baseURL(creds) + "/rest/v1/devices").
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(headers(creds)).
		SetQuery(gout.H{"device_id": "eq." + deviceID}).
		SetJSON(fields).
		Code(&code).
		Do()
	if err != nil {
		return err
	}
	if code >= 300 {
		return fmt.Errorf("backend patch devices: http %d", code)
	}
	return nil
}

// PatchTelemetry is PatchDevice behind the telemetry rate limiter. Updates
// that exceed the budget are dropped, which is acceptable for simulated
// battery/last-seen refreshes.
func (c *Client) PatchTelemetry(ctx context.Context, creds Credentials, deviceID string, fields map[string]interface{}) error {
	if creds.Empty() {
		return nil
	}
	if !c.telemetry.Allow() {
		log.Print(nil).Warn("Backend telemetry update dropped by rate limiter for device " + deviceID)
		return nil
	}
	return c.PatchDevice(ctx, creds, deviceID, fields)
}

// InsertMessage appends one inbound message record. There is no local retry
// queue; a failed insert loses the record.
func (c *Client) InsertMessage(ctx context.Context, creds Credentials, msg Message) error {
	if creds.Empty() {
		return nil
	}

	var code int
	err := gout.POST(baseURL(creds) + "/rest/v1/messages").
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(headers(creds)).
		SetJSON(msg).
		Code(&code).
		Do()
	if err != nil {
		return err
	}
	if code >= 300 {
		return fmt.Errorf("backend insert message: http %d", code)
	}
	return nil
}

// MessageCount reads the persisted message counter for deviceID. A missing
// row reads as zero.
func (c *Client) MessageCount(ctx context.Context, creds Credentials, deviceID string) (int, error) {
	if creds.Empty() {
		return 0, nil
	}

	var rows []struct {
		MessagesCount *int `json:"messages_count"`
	}
	var code int
	err := gout.GET(baseURL(creds) + "/rest/v1/devices").
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(gout.H{"apikey": creds.Key, "Authorization": "Bearer " + creds.Key}).
		SetQuery(gout.H{"device_id": "eq." + deviceID, "select": "messages_count"}).
		BindJSON(&rows).
		Code(&code).
		Do()
	if err != nil {
		return 0, err
	}
	if code >= 300 {
		return 0, fmt.Errorf("backend read message count: http %d", code)
	}
	if len(rows) == 0 || rows[0].MessagesCount == nil {
		return 0, nil
	}
	return *rows[0].MessagesCount, nil
}

// Timestamp renders t the way the external contract stores last_seen and
// message timestamps.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
