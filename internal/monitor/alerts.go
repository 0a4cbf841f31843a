package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an alert. Cooldowns apply per kind.
type Kind string

const (
	KindKillSwitch           Kind = "KILL_SWITCH"
	KindReconciliationDiff   Kind = "RECONCILIATION_MISMATCH"
	KindOrderRejected        Kind = "ORDER_REJECTED"
	KindReconciliationFailed Kind = "RECONCILIATION_FAILED"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one outbound notification.
type Alert struct {
	Kind     Kind              `json:"kind"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     time.Time         `json:"time"`
}

// DefaultCooldowns is the minimum spacing between two alerts of a kind.
var DefaultCooldowns = map[Kind]time.Duration{
	KindKillSwitch:           15 * time.Minute,
	KindOrderRejected:        5 * time.Minute,
	KindReconciliationDiff:   5 * time.Minute,
	KindReconciliationFailed: 5 * time.Minute,
}

// Alerter delivers alerts asynchronously to a Slack-compatible webhook.
// With no webhook configured alerts are only logged.
type Alerter struct {
	webhook   string
	client    *http.Client
	queue     chan Alert
	cooldowns map[Kind]time.Duration
	now       func() time.Time
	log       zerolog.Logger

	mu   sync.Mutex
	last map[Kind]time.Time

	done chan struct{}
}

// NewAlerter creates an alerter; call Start to begin delivery.
func NewAlerter(webhook string, log zerolog.Logger) *Alerter {
	return &Alerter{
		webhook:   strings.TrimSpace(webhook),
		client:    &http.Client{Timeout: 10 * time.Second},
		queue:     make(chan Alert, 64),
		cooldowns: DefaultCooldowns,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "alerter").Logger(),
		last:      make(map[Kind]time.Time),
		done:      make(chan struct{}),
	}
}

// Start runs the delivery worker until ctx ends, then drains what is queued.
func (a *Alerter) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		for {
			select {
			case al := <-a.queue:
				a.deliver(ctx, al)
			case <-ctx.Done():
				for {
					select {
					case al := <-a.queue:
						a.deliver(context.Background(), al)
					default:
						return
					}
				}
			}
		}
	}()
}

// Wait blocks until the worker has stopped.
func (a *Alerter) Wait() {
	<-a.done
}

// Send queues al unless its kind is cooling down. Critical alerts bypass the
// cooldown. It reports whether the alert was queued. A nil Alerter drops
// everything.
func (a *Alerter) Send(al Alert) bool {
	if a == nil {
		return false
	}
	if al.Time.IsZero() {
		al.Time = a.now()
	}

	a.mu.Lock()
	if al.Severity != SeverityCritical {
		if last, ok := a.last[al.Kind]; ok && al.Time.Sub(last) < a.cooldowns[al.Kind] {
			a.mu.Unlock()
			a.log.Debug().Str("kind", string(al.Kind)).Msg("alert suppressed by cooldown")
			return false
		}
	}
	a.last[al.Kind] = al.Time
	a.mu.Unlock()

	select {
	case a.queue <- al:
		return true
	default:
		a.log.Warn().Str("kind", string(al.Kind)).Str("message", al.Message).Msg("alert queue full, dropping")
		return false
	}
}

func (a *Alerter) deliver(ctx context.Context, al Alert) {
	ev := a.log.Warn()
	if al.Severity == SeverityCritical || al.Severity == SeverityError {
		ev = a.log.Error()
	}
	ev.Str("kind", string(al.Kind)).Str("severity", string(al.Severity)).Msg(al.Message)

	if a.webhook == "" {
		return
	}
	if err := a.post(ctx, al); err != nil {
		a.log.Error().Err(err).Str("kind", string(al.Kind)).Msg("webhook delivery failed")
	}
}

func (a *Alerter) post(ctx context.Context, al Alert) error {
	body, err := json.Marshal(slackPayload(al))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer"`
	TS     int64        `json:"ts"`
}

func slackPayload(al Alert) map[string][]slackAttachment {
	color := map[Severity]string{
		SeverityInfo:     "#36a64f",
		SeverityWarning:  "#ff9800",
		SeverityError:    "#f44336",
		SeverityCritical: "#9c27b0",
	}[al.Severity]
	if color == "" {
		color = "#808080"
	}

	keys := make([]string, 0, len(al.Fields))
	for k := range al.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]slackField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, slackField{Title: k, Value: al.Fields[k], Short: true})
	}

	return map[string][]slackAttachment{
		"attachments": {{
			Color:  color,
			Title:  fmt.Sprintf("%s: %s", strings.ToUpper(string(al.Severity)), al.Kind),
			Text:   al.Message,
			Fields: fields,
			Footer: "trading-agent",
			TS:     al.Time.Unix(),
		}},
	}
}
