package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/whatsapp-automation/dashboard/internal/pairing"
	"github.com/whatsapp-automation/dashboard/internal/session"
)

// Client is one whatsmeow connection bound to a session.
type Client struct {
	id     string
	driver *Driver
	sink   session.EventSink
	log    logrus.FieldLogger

	mu        sync.Mutex
	store     *deviceStore
	wa        *whatsmeow.Client
	handlerID uint32
	cancel    context.CancelFunc
	closed    bool
	pushName  string

	chatsMu    sync.Mutex
	chats      map[string]*chatState
	media      map[string]mediaRef
	mediaOrder []string
}

var _ session.Client = (*Client)(nil)

var errClientClosed = errors.New("client destroyed")

// Initialize opens the device store and connects. An unpaired device starts
// the pairing code flow; codes arrive as QRIssued events. A client destroyed
// while connecting is disconnected again and reports errClientClosed.
func (c *Client) Initialize(ctx context.Context) error {
	wa, err := c.open(ctx)
	if err != nil || wa == nil {
		return err
	}
	if !c.owns(wa) {
		return errClientClosed
	}

	err = c.driver.connect(wa)

	c.mu.Lock()
	if !c.ownsLocked(wa) {
		c.mu.Unlock()
		wa.Disconnect()
		c.log.Info("[SESSION] Client destroyed while connecting, dropped connection")
		return errClientClosed
	}
	if err != nil {
		c.releaseLocked()
		c.mu.Unlock()
		if isProxyError(err) && c.driver.proxies != nil {
			c.driver.proxies.MarkBlocked(c.id)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) owns(wa *whatsmeow.Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownsLocked(wa)
}

func (c *Client) ownsLocked(wa *whatsmeow.Client) bool {
	return !c.closed && c.wa == wa
}

// open prepares the whatsmeow client. It returns nil when the client was
// already opened.
func (c *Client) open(ctx context.Context) (*whatsmeow.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClientClosed
	}
	if c.wa != nil {
		return nil, nil
	}

	dir, err := c.driver.workspace.EnsureAuth(c.id)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth directory: %w", err)
	}
	ds, err := openDeviceStore(ctx, dir, c.driver.waLogger("DB", c.id))
	if err != nil {
		return nil, err
	}
	device, err := ds.Device(ctx)
	if err != nil {
		ds.Close()
		return nil, err
	}

	wa := whatsmeow.NewClient(device, c.driver.waLogger("Client", c.id))
	wa.EnableAutoReconnect = true
	wa.AutoTrustIdentity = true
	if proxyURL := c.driver.proxyURL(c.id); proxyURL != "" {
		if err := wa.SetProxyAddress(proxyURL); err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to set proxy address: %w", err)
		}
	}

	// The pairing channel outlives the init call, so it gets its own context.
	runCtx, cancel := context.WithCancel(context.Background())
	c.store, c.wa, c.cancel = ds, wa, cancel
	c.handlerID = wa.AddEventHandler(c.handleEvent)

	if wa.Store.ID != nil {
		c.log.Info("[SESSION] Existing device found, resuming")
		return wa, nil
	}
	qrChan, err := wa.GetQRChannel(runCtx)
	if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
		c.releaseLocked()
		return nil, fmt.Errorf("failed to get QR channel: %w", err)
	}
	if qrChan != nil {
		go c.watchPairing(qrChan)
	}
	c.log.Info("[SESSION] New device, waiting for pairing")
	return wa, nil
}

func (c *Client) watchPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if dir, err := c.driver.workspace.EnsureProfile(c.id); err == nil {
				if path, err := pairing.WriteFile(dir, evt.Code); err == nil {
					c.log.WithField("path", path).Debug("[QR] Pairing image saved")
				}
			}
			c.sink(session.QRIssued{Code: evt.Code})
		case "success":
			c.log.Info("[QR] Pairing succeeded")
		case "timeout":
			c.sink(session.AuthFailed{Reason: "pairing code timeout"})
		case "error":
			c.sink(session.AuthFailed{Reason: fmt.Sprintf("pairing failed: %v", evt.Error)})
		default:
			c.log.WithField("event", evt.Event).Debug("[QR] Pairing channel event")
		}
	}
}

func (c *Client) handleEvent(raw interface{}) {
	switch v := raw.(type) {
	case *events.Connected:
		c.emitReady(true)
	case *events.PushNameSetting:
		c.emitReady(false)
	case *events.PairSuccess:
		c.log.WithField("device", v.ID.String()).Info("[SESSION] Paired")
		c.sink(session.Authenticated{})
	case *events.LoggedOut:
		c.log.WithField("reason", v.Reason).Warn("[SESSION] Logged out from the phone")
		c.sink(session.Disconnected{Reason: session.ReasonUnpaired})
	case *events.Disconnected:
		c.sink(session.Disconnected{Reason: session.ReasonConnectionLost})
	case *events.StreamReplaced:
		c.log.Warn("[SESSION] Stream replaced by another client")
		c.sink(session.Disconnected{Reason: session.ReasonConflict})
	case *events.TemporaryBan:
		c.sink(session.AuthFailed{Reason: fmt.Sprintf("temporary ban: %s, expires in %v", v.Code.String(), v.Expire)})
	case *events.ConnectFailure:
		c.sink(session.AuthFailed{Reason: fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)})
	case *events.ClientOutdated:
		c.sink(session.AuthFailed{Reason: "client outdated"})
	case *events.KeepAliveTimeout:
		c.log.WithField("errors", v.ErrorCount).Warn("[SESSION] Keepalive timeout")
	case *events.Message:
		msg, ok := convertMessage(v, c.ownJID())
		if !ok {
			return
		}
		c.trackMessage(msg)
		if msg.HasMedia {
			c.trackMedia(msg.ID, v.Message)
		}
		c.sink(session.MessageReceived{Message: msg})
	}
}

// emitReady reports the logged-in account. Without force it only fires when
// the push name changed.
func (c *Client) emitReady(force bool) {
	c.mu.Lock()
	wa := c.wa
	if wa == nil || wa.Store.ID == nil || !wa.IsLoggedIn() {
		c.mu.Unlock()
		return
	}
	number := wa.Store.ID.User
	name := wa.Store.PushName
	changed := name != c.pushName
	c.pushName = name
	c.mu.Unlock()

	if !force && !changed {
		return
	}

	c.sink(session.Ready{Number: number, Name: name})
}

func (c *Client) ownJID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wa == nil || c.wa.Store.ID == nil {
		return ""
	}
	return c.wa.Store.ID.ToNonAD().String()
}

// Logout unlinks the device from the phone and deletes the stored keys.
func (c *Client) Logout(ctx context.Context) error {
	wa, err := c.client()
	if err != nil {
		return err
	}
	if err := wa.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", translateError(err))
	}
	return nil
}

// Destroy disconnects and closes the device store. It is safe to call more
// than once.
func (c *Client) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.releaseLocked()
}

func (c *Client) releaseLocked() error {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.wa != nil {
		c.wa.RemoveEventHandler(c.handlerID)
		c.wa.Disconnect()
		c.wa = nil
	}
	err := c.store.Close()
	c.store = nil
	return err
}

// State reports the connection state.
func (c *Client) State(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return StateDisconnected, nil
	case c.wa == nil:
		return StateOpening, nil
	case c.wa.Store.ID == nil:
		return StateUnpaired, nil
	case c.wa.IsConnected() && c.wa.IsLoggedIn():
		return StateConnected, nil
	case c.wa.IsConnected():
		return StateOpening, nil
	default:
		return StateDisconnected, nil
	}
}

func (c *Client) client() (*whatsmeow.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.wa == nil {
		return nil, fmt.Errorf("%w: %v", session.ErrConnectionLost, errClientClosed)
	}
	return c.wa, nil
}

// translateError tags errors meaning the socket is gone.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		return fmt.Errorf("%w: %v", session.ErrConnectionLost, err)
	}
	return err
}

func isProxyError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pe := range []string{"proxy", "socks", "connection refused", "network unreachable", "host unreachable", "no route to host"} {
		if strings.Contains(errStr, pe) {
			return true
		}
	}
	return false
}
