// Package whatsapp drives real WhatsApp Web multi-device sessions through
// whatsmeow. Each session owns a SQLite device store inside its auth
// directory.
package whatsapp

import (
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/whatsapp-automation/dashboard/internal/config"
	"github.com/whatsapp-automation/dashboard/internal/session"
)

// Connection states reported by Client.State.
const (
	StateConnected    = "CONNECTED"
	StateOpening      = "OPENING"
	StateUnpaired     = "UNPAIRED"
	StateDisconnected = "DISCONNECTED"
)

// Driver creates whatsmeow clients for sessions in a workspace.
type Driver struct {
	workspace session.Workspace
	proxies   *config.ProxyPool
	logLevel  string
	log       logrus.FieldLogger
	connect   func(*whatsmeow.Client) error
}

var (
	_ session.Driver   = (*Driver)(nil)
	_ session.Releaser = (*Driver)(nil)
)

// NewDriver returns a driver. proxies may be nil; logLevel is the whatsmeow
// log level (DEBUG, INFO, WARN, ERROR).
func NewDriver(ws session.Workspace, proxies *config.ProxyPool, logLevel string, logger logrus.FieldLogger) *Driver {
	if logLevel == "" {
		logLevel = "WARN"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Driver{
		workspace: ws,
		proxies:   proxies,
		logLevel:  logLevel,
		log:       logger.WithField("component", "whatsapp"),
		connect:   (*whatsmeow.Client).Connect,
	}
}

// NewClient returns an idle client. Nothing touches the network or disk
// until Initialize.
func (d *Driver) NewClient(sessionID string, sink session.EventSink) (session.Client, error) {
	return d.newClient(sessionID, sink), nil
}

func (d *Driver) newClient(sessionID string, sink session.EventSink) *Client {
	return &Client{
		id:     sessionID,
		driver: d,
		sink:   sink,
		log:    d.log.WithField("session", sessionID),
		chats:  make(map[string]*chatState),
		media:  make(map[string]mediaRef),
	}
}

// Release frees the proxy held by a destroyed session.
func (d *Driver) Release(sessionID string) {
	if d.proxies != nil {
		d.proxies.Release(sessionID)
	}
}

func (d *Driver) waLogger(module, sessionID string) waLog.Logger {
	return waLog.Stdout(module+"-"+sessionID, d.logLevel, true)
}

func (d *Driver) proxyURL(sessionID string) string {
	if d.proxies == nil {
		return ""
	}
	proxy := d.proxies.ForSession(sessionID)
	if !proxy.Enabled {
		return ""
	}
	d.log.WithField("session", sessionID).Infof("[Proxy] Using %s", proxy.String())
	return proxy.GetURL()
}
