package message

import (
	"encoding/json"
	"fmt"
	"time"

	"dpn/pkg/types"

	"github.com/google/uuid"
)

// DateFormat is the UTC timestamp profile used by every date field.
const DateFormat = "2006-01-02T15:04:05Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(DateFormat, s)
}

// Headers is the wire form of the common envelope.
type Headers struct {
	From          string `json:"from" validate:"required"`
	ReplyKey      string `json:"reply_key" validate:"required"`
	CorrelationID string `json:"correlation_id" validate:"required"`
	Sequence      *int   `json:"sequence" validate:"required,gte=0"`
	Date          string `json:"date" validate:"required,dpndate"`
	TTL           string `json:"ttl" validate:"required,dpndate"`
}

// Envelope is a validated set of headers.
type Envelope struct {
	From          types.NodeID
	ReplyKey      string
	CorrelationID types.CorrelationID
	Sequence      int
	Date          time.Time
	TTL           time.Time
}

// Expired reports whether the ttl instant has passed at now.
func (e Envelope) Expired(now time.Time) bool {
	return now.After(e.TTL)
}

func (e Envelope) Headers() Headers {
	seq := e.Sequence
	return Headers{
		From:          string(e.From),
		ReplyKey:      e.ReplyKey,
		CorrelationID: string(e.CorrelationID),
		Sequence:      &seq,
		Date:          FormatTime(e.Date),
		TTL:           FormatTime(e.TTL),
	}
}

// NewEnvelope stamps an outbound envelope dated now and expiring after ttl.
func NewEnvelope(from types.NodeID, replyKey string, correlation types.CorrelationID, sequence int, now time.Time, ttl time.Duration) Envelope {
	now = now.UTC().Truncate(time.Second)
	return Envelope{
		From:          from,
		ReplyKey:      replyKey,
		CorrelationID: correlation,
		Sequence:      sequence,
		Date:          now,
		TTL:           now.Add(ttl),
	}
}

// NewCorrelationID mints a time-ordered transaction id.
func NewCorrelationID() types.CorrelationID {
	return types.CorrelationID(uuid.Must(uuid.NewV7()).String())
}

// Message is the unit carried by a broker. The body is a JSON object that
// carries its own message_name.
type Message struct {
	Headers Headers         `json:"headers"`
	Body    json.RawMessage `json:"body"`
}

// Name reads message_name out of the body.
func (m *Message) Name() (Name, error) {
	var peek struct {
		MessageName string `json:"message_name"`
	}
	if err := json.Unmarshal(m.Body, &peek); err != nil {
		return NameUnknown, fmt.Errorf("failed to read message name: %w", err)
	}
	if peek.MessageName == "" {
		return NameUnknown, fmt.Errorf("body has no message_name")
	}
	return ParseName(peek.MessageName)
}

// New encodes body under env into a Message.
func New(env Envelope, body Body) (*Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", body.MessageName(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", body.MessageName(), err)
	}
	name, _ := json.Marshal(body.MessageName().String())
	fields["message_name"] = name

	raw, err = json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", body.MessageName(), err)
	}
	return &Message{Headers: env.Headers(), Body: raw}, nil
}

// Marshal and Unmarshal give brokers a single byte encoding for messages.
func Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}
