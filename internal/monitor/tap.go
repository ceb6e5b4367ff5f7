// Package monitor mirrors outbound notifications to an MQTT broker so an
// operator can watch call traffic without attaching to the accounting
// application. Purely diagnostic: the tap sits behind the notifier fanout,
// which swallows its errors.
package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/config"
	"github.com/pbxlink/datev-connector/internal/datev"
)

// Tap publishes every notification as JSON to
// <prefix>/call/<correlation id>/<kind>.
type Tap struct {
	client mqtt.Client
	prefix string
	log    *logrus.Entry
}

// wireNotification is the JSON shape on the broker. Timestamps are RFC 3339
// via encoding/json's time handling.
type wireNotification struct {
	Kind          string    `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	ContactID     string    `json:"contact_id,omitempty"`
	ContactName   string    `json:"contact_name,omitempty"`
	DataSource    string    `json:"data_source,omitempty"`
	State         string    `json:"state"`
	Incoming      bool      `json:"incoming"`
	Number        string    `json:"number,omitempty"`
	Begin         time.Time `json:"begin"`
	End           time.Time `json:"end"`
	PublishedAt   time.Time `json:"published_at"`
}

// New connects to the broker. Returns an error when the broker is down; the
// caller decides whether to run without the tap.
func New(cfg config.MonitorConfig, log *logrus.Entry) (*Tap, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, err)
	}

	return &Tap{
		client: client,
		prefix: cfg.TopicPrefix,
		log:    log.WithField("broker", cfg.Broker),
	}, nil
}

func (t *Tap) NewCall(n datev.CallNotification) error {
	return t.publish("new_call", n)
}

func (t *Tap) CallStateChanged(n datev.CallNotification) error {
	return t.publish("call_state_changed", n)
}

func (t *Tap) CallAdressatChanged(n datev.CallNotification) error {
	return t.publish("call_adressat_changed", n)
}

func (t *Tap) NewJournal(n datev.CallNotification) error {
	return t.publish("new_journal", n)
}

func (t *Tap) publish(kind string, n datev.CallNotification) error {
	payload, err := json.Marshal(wireNotification{
		Kind:          kind,
		CorrelationID: n.CorrelationID,
		ContactID:     n.ContactID,
		ContactName:   n.ContactName,
		DataSource:    n.DataSource,
		State:         string(n.State),
		Incoming:      n.Incoming,
		Number:        n.Number,
		Begin:         n.Begin,
		End:           n.End,
		PublishedAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	topic := fmt.Sprintf("%s/call/%s/%s", t.prefix, n.CorrelationID, kind)
	token := t.client.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight publishes to drain.
func (t *Tap) Close() error {
	t.client.Disconnect(1000)
	return nil
}
