package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/dashboard/internal/session"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

const sendTimeout = 10 * time.Second

// operatorAction lists transition reasons triggered from the dashboard itself.
var operatorAction = map[string]bool{"logout": true, "relogin": true}

// Notifier sends operator alerts to a Telegram chat.
type Notifier struct {
	token  string
	chatID string
	apiURL string
	client *http.Client
	log    logrus.FieldLogger

	mu      sync.Mutex
	dropped map[string]time.Time
	wg      sync.WaitGroup
}

var _ session.Observer = (*Notifier)(nil)

// NewNotifier returns a notifier. With an empty token every alert is a no-op.
func NewNotifier(token, chatID, apiURL string, logger logrus.FieldLogger) *Notifier {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Notifier{
		token:   token,
		chatID:  chatID,
		apiURL:  strings.TrimRight(apiURL, "/"),
		client:  &http.Client{Timeout: sendTimeout},
		log:     logger.WithField("component", "telegram"),
		dropped: make(map[string]time.Time),
	}
}

// Enabled reports whether alerts are delivered.
func (n *Notifier) Enabled() bool {
	return n != nil && n.token != "" && n.chatID != ""
}

// SendAlert sends a message to Telegram
func (n *Notifier) SendAlert(ctx context.Context, message string) error {
	if !n.Enabled() {
		return nil
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, n.token)

	payload := map[string]string{
		"chat_id":    n.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	n.log.Debugf("[Telegram] Alert sent: %s", message[:min(50, len(message))]+"...")
	return nil
}

// OnTransition alerts when a connected session drops and when it comes back.
func (n *Notifier) OnTransition(sessionID string, identity session.Identity, from, to session.Status, reason string) {
	if !n.Enabled() {
		return
	}
	now := time.Now()

	var msg string
	switch {
	case operatorAction[reason]:
		return

	case from == session.StatusConnected && to != session.StatusConnected:
		n.mu.Lock()
		n.dropped[sessionID] = now
		n.mu.Unlock()
		if session.DisconnectReason(reason).Terminal() {
			msg = unpairedMessage(sessionID, identity, reason, now)
		} else {
			msg = disconnectedMessage(sessionID, identity, reason, now)
		}

	case to == session.StatusConnected:
		n.mu.Lock()
		since, ok := n.dropped[sessionID]
		delete(n.dropped, sessionID)
		n.mu.Unlock()
		if !ok {
			return
		}
		msg = reconnectedMessage(sessionID, identity, since, now)

	default:
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := n.SendAlert(ctx, msg); err != nil {
			n.log.WithError(err).WithField("session", sessionID).Warn("[Telegram] Failed to send alert")
		}
	}()
}

// Wait blocks until pending alerts are delivered or given up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func account(sessionID string, identity session.Identity) string {
	if identity.Number == "" {
		return sessionID
	}
	if identity.Name == "" || identity.Name == identity.Number {
		return fmt.Sprintf("%s (%s)", identity.Number, sessionID)
	}
	return fmt.Sprintf("%s, %s (%s)", identity.Name, identity.Number, sessionID)
}

func disconnectedMessage(sessionID string, identity session.Identity, reason string, at time.Time) string {
	if reason == "" {
		reason = "unknown"
	}
	return fmt.Sprintf(`⚠️ <b>DISCONNECTED</b>

📱 Account: %s
📝 Reason: %s
⏰ Time: %s`, account(sessionID, identity), reason, at.Format("2006-01-02 15:04:05"))
}

func unpairedMessage(sessionID string, identity session.Identity, reason string, at time.Time) string {
	online := ""
	if !identity.LoginTime.IsZero() {
		online = fmt.Sprintf("\n🕒 Logged in: %s", humanize.RelTime(identity.LoginTime, at, "ago", "from now"))
	}
	return fmt.Sprintf(`🚨 <b>UNPAIRED</b>

📱 Account: %s
📝 Reason: %s%s
⚠️ Needs manual pairing!
⏰ Time: %s`, account(sessionID, identity), reason, online, at.Format("2006-01-02 15:04:05"))
}

func reconnectedMessage(sessionID string, identity session.Identity, since, at time.Time) string {
	return fmt.Sprintf(`✅ <b>RECONNECTED</b>

📱 Account: %s
⏱️ Down for: %s
⏰ Time: %s`, account(sessionID, identity), strings.TrimSuffix(humanize.RelTime(since, at, "", ""), " "), at.Format("2006-01-02 15:04:05"))
}
