// Package logging provides template-based structured logging for the node:
// every event is built from a named template plus positional arguments, so
// call sites stay short and the wording of an event lives in one place. A
// Manager dispatches each built entry to the local logrus output and, if
// configured, asynchronously to Loki. Grounded directly on the gateway's own
// log.go (LogManager/LoggingFormat/LokiClient), with the SMS/MMS template
// table replaced by one naming this node's own events.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

func defaultTemplates() map[string]string {
	named := map[string]string{
		"PacketAccepted":        "Accepted packet %s for forwarding to %s",
		"PacketRejected":        "Rejected packet %s: %s",
		"ReplayDetected":        "Replay detected for packet-id %s, dropping silently",
		"StaleTimestamp":        "Stale timestamp on packet %s, dropping silently",
		"DecryptFailure":        "Failed to decrypt header for packet %s: %s",
		"UnknownRecipientKey":   "No public key on file for key-id %s",
		"ForwardSent":           "Forwarded packet %s to %s",
		"DummyDropped":          "Dropped dummy packet %s",
		"FinalDelivered":        "Delivered final payload for message %s",
		"ChunkReceived":         "Received chunk %d/%d for chunk-id %s",
		"ChunkReassembled":      "Reassembled %d chunks into message %s",
		"ChunkTimeout":          "Chunk-id %s timed out waiting for remaining parts",
		"PoolDeposit":           "Deposited message for %s into pool",
		"PoolTickDrained":       "Pool tick dispatched %d of %d staged messages",
		"PoolTickNoOp":          "Pool tick skipped, below size threshold",
		"PoolDummyInjected":     "Injected dummy message into pool",
		"SMTPTransientFailure":  "Transient SMTP failure for %s: %s",
		"SMTPFatalFailure":      "Permanent SMTP failure for %s: %s",
		"SMTPConnectionFailure": "SMTP connection failure, aborting tick: %s",
		"PubringReloaded":       "Reloaded pubring with %d peers",
		"PubringMalformed":      "Pubring entry malformed: %s",
		"StartupFatal":          "Fatal startup error: %s",
		"GenericError":          "An error occurred: %s",
		"UnexpectedError":       "Unexpected error: %s",
	}
	// Build and AddTemplate key templates by upper-cased name.
	templates := make(map[string]string, len(named))
	for name, tpl := range named {
		templates[strings.ToUpper(name)] = tpl
	}
	return templates
}

// Entry is a single structured log event, serialized as JSON for Loki and
// rendered as logrus fields locally.
type Entry struct {
	Message        string                 `json:"message,omitempty"`
	Type           string                 `json:"type,omitempty"`
	Level          logrus.Level           `json:"level,omitempty"`
	AdditionalData map[string]interface{} `json:"additional_data,omitempty"`
	Timestamp      time.Time              `json:"timestamp,omitempty"`
}

// AddField attaches an extra field to an already built Entry.
func (e *Entry) AddField(key string, value interface{}) *Entry {
	if e.AdditionalData == nil {
		e.AdditionalData = make(map[string]interface{})
	}
	e.AdditionalData[key] = value
	return e
}

// Print renders the entry to the local logrus output at its level.
func (e *Entry) Print(base *logrus.Logger) {
	entry := base.WithFields(logrus.Fields{
		"type": e.Type,
		"time": e.Timestamp.Format(time.RFC3339),
	})
	for key, value := range e.AdditionalData {
		entry = entry.WithField(key, value)
	}
	switch e.Level {
	case logrus.ErrorLevel:
		entry.Error(e.Message)
	case logrus.WarnLevel:
		entry.Warn(e.Message)
	case logrus.DebugLevel:
		entry.Debug(e.Message)
	default:
		entry.Info(e.Message)
	}
}

func (e *Entry) String() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("error serializing log entry: %v", err)
	}
	return string(data)
}

// LokiClient pushes entries to a Loki push-api endpoint with optional basic
// auth, mirroring the gateway's own client.
type LokiClient struct {
	PushURL  string
	Username string
	Password string
	client   *http.Client
}

func NewLokiClient(pushURL, username, password string) *LokiClient {
	return &LokiClient{PushURL: pushURL, Username: username, Password: password, client: &http.Client{Timeout: 10 * time.Second}}
}

type lokiPushData struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func (c *LokiClient) push(labels map[string]string, timestamp time.Time, line string) error {
	payload := lokiPushData{Streams: []lokiStream{{
		Stream: labels,
		Values: [][2]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
	}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("logging: marshaling loki payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.PushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("logging: building loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Username != "" && c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("logging: sending to loki: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("logging: unexpected loki response: %d", resp.StatusCode)
	}
	return nil
}

// Manager owns the template table and, if a LokiClient is configured, an
// async forwarding channel so a slow or unreachable Loki never blocks the
// caller that emitted the log.
type Manager struct {
	templates map[string]string
	loki      *LokiClient
	serverID  string
	base      *logrus.Logger

	ch chan *Entry
	wg sync.WaitGroup
}

// New builds a Manager. loki may be nil, in which case entries are only
// printed locally. serverID tags every entry forwarded to Loki, identifying
// which node instance produced it.
func New(base *logrus.Logger, loki *LokiClient, serverID string) *Manager {
	m := &Manager{
		templates: defaultTemplates(),
		loki:      loki,
		serverID:  serverID,
		base:      base,
	}
	if loki != nil {
		m.ch = make(chan *Entry, 64)
		m.wg.Add(1)
		go m.forward()
	}
	return m
}

// AddTemplate registers or overrides a named template.
func (m *Manager) AddTemplate(name, template string) {
	m.templates[strings.ToUpper(name)] = template
}

// Build formats templateName with args and returns an Entry ready to Print
// or Send. A nil Manager falls back to the default template table, so a
// component a test wires without a Manager (pool, gateway unit tests) can
// still call Build/Send without special-casing the nil receiver itself.
func (m *Manager) Build(eventType, templateName string, level logrus.Level, fields map[string]interface{}, args ...interface{}) *Entry {
	templates := defaultTemplates()
	if m != nil {
		templates = m.templates
	}
	tpl, ok := templates[strings.ToUpper(templateName)]
	if !ok {
		tpl = fmt.Sprintf("unknown log template %q", templateName)
		args = nil
	}
	msg := tpl
	if len(args) > 0 {
		msg = fmt.Sprintf(tpl, args...)
	}
	return &Entry{
		Message:        msg,
		Type:           strings.ToUpper(eventType),
		Level:          level,
		AdditionalData: fields,
		Timestamp:      time.Now(),
	}
}

// Send prints entry locally and, if Loki is configured, queues it for
// asynchronous forwarding. A nil Manager is a no-op, the same nil-receiver
// convenience Build offers for components wired without one in tests.
func (m *Manager) Send(entry *Entry) {
	if m == nil {
		return
	}
	entry.Print(m.base)
	if m.ch != nil {
		select {
		case m.ch <- entry:
		default:
			m.base.Warn("logging: loki queue full, dropping entry")
		}
	}
}

func (m *Manager) forward() {
	defer m.wg.Done()
	for entry := range m.ch {
		labels := map[string]string{
			"job":       "mixremailer",
			"server_id": m.serverID,
			"type":      entry.Type,
		}
		if err := m.loki.push(labels, entry.Timestamp, entry.String()); err != nil {
			m.base.WithError(err).Warn("logging: failed to forward entry to loki")
		}
	}
}

// Close drains the forwarding queue and stops the background goroutine. It
// is a no-op if Loki was never configured.
func (m *Manager) Close() {
	if m.ch == nil {
		return
	}
	close(m.ch)
	m.wg.Wait()
}
