package wa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wablast/internal/logging"
	"wablast/internal/model"
)

// Devices creates whatsmeow clients whose credentials live in <Dir>/<account>/device.db.
type Devices struct {
	Dir        string
	Log        zerolog.Logger
	WALogLevel string
	HTTP       *http.Client
}

func (d *Devices) path(accountID string) string {
	return filepath.Join(d.Dir, filepath.Base(accountID))
}

// Wipe removes an account's credential directory.
func (d *Devices) Wipe(accountID string) error {
	return os.RemoveAll(d.path(accountID))
}

// HasCredentials reports whether a paired device was stored for the account.
func (d *Devices) HasCredentials(accountID string) bool {
	_, err := os.Stat(filepath.Join(d.path(accountID), "device.db"))
	return err == nil
}

// New is a ClientFactory.
func (d *Devices) New(ctx context.Context, accountID string) (Client, error) {
	dir := d.path(accountID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(dir, "device.db")+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	container := sqlstore.NewWithDB(db, "sqlite3", logging.WhatsApp(d.Log, "Database", d.WALogLevel))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}
	cli := whatsmeow.NewClient(device, logging.WhatsApp(d.Log, "Client", d.WALogLevel))
	// reconnection is the Manager's job
	cli.EnableAutoReconnect = false

	httpClient := d.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &waClient{
		cli:    cli,
		db:     db,
		http:   httpClient,
		log:    d.Log.With().Str("account", accountID).Logger(),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	cli.AddEventHandler(c.handle)
	return c, nil
}

type waClient struct {
	cli  *whatsmeow.Client
	db   *sql.DB
	http *http.Client
	log  zerolog.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *waClient) Events() <-chan Event { return c.events }

func (c *waClient) Paired() bool { return c.cli.Store != nil && c.cli.Store.ID != nil }

func (c *waClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *waClient) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		identity := ""
		if c.cli.Store != nil && c.cli.Store.ID != nil {
			identity = c.cli.Store.ID.User
		}
		c.emit(Connected{Identity: identity})
	case *events.PairSuccess:
		c.log.Info().Str("jid", v.ID.String()).Msg("paired")
	case *events.Disconnected:
		c.emit(Disconnected{Reason: DropRecoverable})
	case *events.KeepAliveTimeout:
		c.log.Warn().Int("errors", v.ErrorCount).Msg("keepalive timeout")
	case *events.StreamReplaced:
		c.emit(Disconnected{Reason: DropReplaced, Err: errors.New("stream replaced by another client")})
	case *events.TemporaryBan:
		c.emit(Disconnected{Reason: DropBanned, Err: errors.New(v.String())})
	case *events.LoggedOut:
		c.emit(LoggedOut{Reason: v.Reason.String()})
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			c.emit(LoggedOut{Reason: v.Reason.String()})
			return
		}
		c.emit(Disconnected{Reason: DropRecoverable, Err: fmt.Errorf("connect failure: %s", v.Reason.String())})
	case *events.Receipt:
		status := ""
		switch v.Type {
		case types.ReceiptTypeDelivered:
			status = model.MessageDelivered
		case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
			status = model.MessageRead
		default:
			return
		}
		ids := make([]string, len(v.MessageIDs))
		for i, id := range v.MessageIDs {
			ids[i] = string(id)
		}
		c.emit(Delivery{MessageIDs: ids, Status: status, At: v.Timestamp})
	}
}

// Connect opens the socket. Unpaired devices get a QR channel first; it must
// outlive ctx, so it is bound to the background context.
func (c *waClient) Connect(ctx context.Context) error {
	if !c.Paired() {
		qr, err := c.cli.GetQRChannel(context.Background())
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return fmt.Errorf("qr channel: %w", err)
		}
		if qr != nil {
			go c.forwardQR(qr)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.cli.Connect()
}

func (c *waClient) forwardQR(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case "code":
			c.emit(QR{Code: item.Code})
		case "timeout":
			c.emit(PairingTimeout{})
		case "success":
		default:
			c.log.Warn().Err(item.Error).Str("event", item.Event).Msg("pairing channel")
		}
	}
}

func (c *waClient) Disconnect() {
	c.closeOnce.Do(func() {
		c.cli.Disconnect()
		close(c.done)
		_ = c.db.Close()
	})
}

func (c *waClient) Logout(ctx context.Context) error {
	return c.cli.Logout(ctx)
}

func userJID(phone string) types.JID {
	return types.NewJID(digits(phone), types.DefaultUserServer)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c *waClient) Exists(ctx context.Context, phone string) (bool, error) {
	res, err := c.cli.IsOnWhatsApp(ctx, []string{"+" + digits(phone)})
	if err != nil {
		return false, err
	}
	return len(res) > 0 && res[0].IsIn, nil
}

func (c *waClient) SendText(ctx context.Context, phone, text string) (string, error) {
	resp, err := c.cli.SendMessage(ctx, userJID(phone), &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

// SendMedia downloads media.URL, uploads it and sends it with caption.
// Audio carries no caption; unknown media types fall back to plain text.
func (c *waClient) SendMedia(ctx context.Context, phone string, media model.Media, caption string) (string, error) {
	var kind whatsmeow.MediaType
	switch media.Type {
	case model.MediaImage:
		kind = whatsmeow.MediaImage
	case model.MediaVideo:
		kind = whatsmeow.MediaVideo
	case model.MediaDocument:
		kind = whatsmeow.MediaDocument
	case model.MediaAudio:
		kind = whatsmeow.MediaAudio
	default:
		return c.SendText(ctx, phone, caption)
	}

	var (
		data []byte
		mime string
	)
	err := withRetry(ctx, func() error {
		var err error
		data, mime, err = c.fetch(ctx, media.URL)
		return err
	})
	if err != nil {
		return "", err
	}
	up, err := c.cli.Upload(ctx, data, kind)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", media.Type, err)
	}

	msg := &waE2E.Message{}
	switch media.Type {
	case model.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       optstr(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case model.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       optstr(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case model.MediaDocument:
		name := media.FileName
		if name == "" {
			name = "document"
		}
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Caption:       optstr(caption),
			FileName:      proto.String(name),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case model.MediaAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	}
	resp, err := c.cli.SendMessage(ctx, userJID(phone), msg)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

type httpStatusError struct {
	code int
	url  string
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("fetch %s: status %d", e.url, e.code) }

func (c *waClient) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, "", &httpStatusError{code: res.StatusCode, url: url}
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", err
	}
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = guessMime(url)
	}
	return body, ct, nil
}

func guessMime(url string) string {
	u := strings.ToLower(url)
	switch {
	case strings.HasSuffix(u, ".jpg"), strings.HasSuffix(u, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(u, ".png"):
		return "image/png"
	case strings.HasSuffix(u, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(u, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(u, ".ogg"), strings.HasSuffix(u, ".opus"):
		return "audio/ogg; codecs=opus"
	case strings.HasSuffix(u, ".mp3"):
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// media download retry
var (
	fetchAttempts = 3
	baseBackoff   = 2 * time.Second
	maxBackoff    = 20 * time.Second
	jitterPct     = 0.20
)

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.code == 429 || (se.code >= 500 && se.code <= 599)
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "temporary"),
		strings.Contains(s, "eof"),
		strings.Contains(s, "reset"),
		strings.Contains(s, "deadline"):
		return true
	default:
		return false
	}
}

func withRetry(ctx context.Context, fn func() error) error {
	attempt := 0
	backoff := baseBackoff
	for {
		err := fn()
		if err == nil {
			return nil
		}
		attempt++
		if attempt >= fetchAttempts || !isRetryable(err) {
			return err
		}
		// exponential backoff with jitter
		jit := time.Duration(rand.Int63n(int64(float64(backoff)*jitterPct) + 1))
		wait := backoff + jit
		if wait > maxBackoff {
			wait = maxBackoff
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func optstr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
