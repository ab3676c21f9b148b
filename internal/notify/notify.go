// Package notify decodes GMail push notifications delivered through
// Cloud Pub/Sub, either pushed to the webhook or pulled from the backup
// subscription.
package notify

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrDecode marks an envelope that cannot be turned into a
// Notification.  Nothing has been touched when it is returned.
var ErrDecode = errors.New("malformed notification")

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message", "subscription"],
  "properties": {
    "subscription": {"type": "string", "minLength": 1},
    "message": {
      "type": "object",
      "required": ["data", "messageId"],
      "properties": {
        "data": {"type": "string", "minLength": 1},
        "messageId": {"type": "string", "minLength": 1},
        "publishTime": {"type": "string"},
        "attributes": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        }
      }
    }
  }
}`

// Message is a Pub/Sub message as pushed or pulled.
type Message struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Envelope is the body of a Pub/Sub push request.
type Envelope struct {
	Message      Message `json:"message"`
	Subscription string  `json:"subscription"`
}

// payload is the JSON GMail publishes inside Message.Data.  historyId
// has been seen both as a string and as a number.
type payload struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// Notification is one decoded mailbox change notice.  DeliveryID is
// for logging only; deduplication is by Cursor.
type Notification struct {
	Account      string    `json:"account"`
	Cursor       uint64    `json:"cursor,string"`
	ReceivedAt   time.Time `json:"receivedAt"`
	DeliveryID   string    `json:"deliveryId"`
	PublishTime  time.Time `json:"publishTime,omitempty"`
	Subscription string    `json:"subscription,omitempty"`
}

// Decoder validates and decodes envelopes.  It is safe for concurrent
// use.
type Decoder struct {
	schema *jsonschema.Schema
	now    func() time.Time
}

// NewDecoder compiles the envelope schema.
func NewDecoder() (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, errors.Wrap(err, "parsing envelope schema")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, errors.Wrap(err, "adding envelope schema")
	}
	sch, err := c.Compile("envelope.json")
	if err != nil {
		return nil, errors.Wrap(err, "compiling envelope schema")
	}
	return &Decoder{schema: sch, now: time.Now}, nil
}

func decodeErr(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDecode, format, args...)
}

// Decode parses a push request body.
func (d *Decoder) Decode(raw []byte) (*Notification, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, decodeErr("envelope is not JSON: %v", err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return nil, decodeErr("envelope shape: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, decodeErr("envelope: %v", err)
	}
	n, err := d.DecodeMessage(env.Message)
	if err != nil {
		return nil, err
	}
	n.Subscription = env.Subscription
	return n, nil
}

// DecodeMessage parses one Pub/Sub message, as delivered on either the
// push or the pull path.
func (d *Decoder) DecodeMessage(m Message) (*Notification, error) {
	if m.Data == "" {
		return nil, decodeErr("message %q has no data", m.MessageID)
	}
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(m.Data)
	}
	if err != nil {
		return nil, decodeErr("message %q data is not base64", m.MessageID)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, decodeErr("message %q payload: %v", m.MessageID, err)
	}
	if p.EmailAddress == "" {
		return nil, decodeErr("message %q payload has no emailAddress", m.MessageID)
	}
	cursor, err := parseHistoryID(p.HistoryID)
	if err != nil {
		return nil, decodeErr("message %q historyId: %v", m.MessageID, err)
	}

	n := &Notification{
		Account:    p.EmailAddress,
		Cursor:     cursor,
		ReceivedAt: d.now().UTC(),
		DeliveryID: m.MessageID,
	}
	if m.PublishTime != "" {
		t, err := time.Parse(time.RFC3339Nano, m.PublishTime)
		if err != nil {
			return nil, decodeErr("message %q publishTime %q", m.MessageID, m.PublishTime)
		}
		n.PublishTime = t.UTC()
	}
	return n, nil
}

func parseHistoryID(raw json.RawMessage) (uint64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, errors.New("missing")
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, errors.New("zero")
	}
	return v, nil
}
