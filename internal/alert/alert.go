package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Severity string

const (
	SeverityCritical Severity = "danger"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "good"
)

// Manager posts alerts to a Slack webhook. A disabled manager or one
// without a webhook accepts every alert and sends nothing.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	nodeID       string
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

// SetNodeID names the reporting node in every alert footer.
func (m *Manager) SetNodeID(nodeID string) {
	m.nodeID = nodeID
}

// logPosition describes an entry of an author's log. Keys are shortened the
// way log lines shorten them.
func logPosition(author, logID string, seqNum uint64) []slackField {
	return []slackField{
		{Title: "Author", Value: shortKey(author), Short: false},
		{Title: "Log", Value: logID, Short: true},
		{Title: "Sequence", Value: strconv.FormatUint(seqNum, 10), Short: true},
	}
}

// SendRejectedOperationAlert reports an operation from another node that
// failed verification.
func (m *Manager) SendRejectedOperationAlert(author, logID string, seqNum uint64, reason string) error {
	fields := append(logPosition(author, logID, seqNum), slackField{Title: "Reason", Value: reason})
	return m.send(SeverityCritical, "🚨 *OPERATION REJECTED*", "Invalid Operation Received", "operation log", fields)
}

func (m *Manager) SendChainBrokenAlert(author, logID string, seqNum uint64, reason string) error {
	fields := append(logPosition(author, logID, seqNum), slackField{Title: "Reason", Value: reason})
	return m.send(SeverityCritical, "🚨 *HASH CHAIN INTEGRITY VIOLATION*", "Stored Log Corrupted", "operation log", fields)
}

// SendProjectionDriftAlert reports a projection table that no longer
// matches a replay of the log.
func (m *Manager) SendProjectionDriftAlert(table, expected, actual string) error {
	fields := []slackField{
		{Title: "Table", Value: table, Short: true},
		{Title: "Replayed Root", Value: expected},
		{Title: "Live Root", Value: actual},
	}
	return m.send(SeverityWarning, "⚠️ *PROJECTION DRIFT*", "Projection Out Of Sync", "projections", fields)
}

func (m *Manager) SendSystemAlert(title, message string, severity Severity) error {
	switch severity {
	case SeverityCritical, SeverityWarning, SeverityInfo:
	default:
		severity = SeverityCritical
	}
	fields := []slackField{{Title: "Message", Value: message}}
	return m.send(severity, fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title), title, "", fields)
}

func (m *Manager) send(severity Severity, text, title, source string, fields []slackField) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	return m.post(slackMessage{
		Text: text,
		Attachments: []slackAttachment{{
			Color:  string(severity),
			Title:  title,
			Fields: fields,
			Footer: m.footer(source),
			Ts:     time.Now().Unix(),
		}},
	})
}

func (m *Manager) footer(source string) string {
	footer := "regiond"
	if source != "" {
		footer += " " + source
	}
	if m.nodeID != "" {
		footer += " on " + shortKey(m.nodeID)
	}
	return footer
}

func (m *Manager) post(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}
	return nil
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
