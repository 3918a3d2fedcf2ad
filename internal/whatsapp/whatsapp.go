// Package whatsapp wraps the whatsmeow client used to reach leads.
//
// The wrapper owns the device session store and the login flow; event
// handling stays with the caller through GetClient.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/store"
)

// DefaultSQLitePath is the fallback location of the whatsmeow session database.
const DefaultSQLitePath = "/var/lib/agente-qualificador/whatsmeow.db"

// jidSuffix is the server part of a regular user JID.
const jidSuffix = "s.whatsapp.net"

// Sender is the narrow send interface consumed by the messaging service.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write the login QR code, stdout when empty
	NumericCode bool   // print a numeric pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the given path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints a numeric pairing code instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the session store, logs in if no device is paired yet and
// connects. Pairing blocks until the QR or numeric code is scanned.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
		slog.Debug("WhatsApp session DSN not set, using default", "path", cfg.DBDSN)
	}

	ctx := context.Background()
	container, err := openSessionStore(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load whatsapp device: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := pairDevice(waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp device already paired, reconnecting")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to whatsapp: %w", err)
		}
	}

	slog.Info("WhatsApp client connected")
	return &Client{waClient: waClient}, nil
}

// openSessionStore opens the whatsmeow container over SQLite or Postgres
// depending on the DSN shape.
func openSessionStore(ctx context.Context, dsn string) (*sqlstore.Container, error) {
	driver := "sqlite3"
	if store.DetectDSNType(dsn) == "postgres" {
		driver = "postgres"
	} else if !strings.Contains(dsn, "foreign_keys") {
		// whatsmeow requires foreign keys on SQLite.
		slog.Warn("WhatsApp session DSN has no foreign_keys parameter",
			"suggested", "file:"+dsn+"?_foreign_keys=on")
	}
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp session store: %w", err)
	}
	return container, nil
}

// pairDevice runs the first-login flow, emitting the QR or numeric code to
// the configured destination until pairing completes.
func pairDevice(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp pairing required")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect for whatsapp pairing: %w", err)
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create qr output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Debug("WhatsApp pairing event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(out, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

// SendText sends a text message and returns the transport message ID.
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(strings.TrimPrefix(to, "+"), jidSuffix)
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("WhatsApp send failed", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "message_id", resp.ID)
	return string(resp.ID), nil
}

// GetClient exposes the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the connection to the WhatsApp servers.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient implements Sender without any network calls.
type MockClient struct{}

// NewMockClient creates a no-op WhatsApp sender for tests.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendText pretends to send a message.
func (m *MockClient) SendText(ctx context.Context, to string, body string) (string, error) {
	return "mock-message-id", nil
}
