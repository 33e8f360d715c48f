// Package envelope is the single message unit carried on both robot and
// console transports. Wire form is one flat JSON object with header fields
// type, robot_id, timestamp and type specific payload fields.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/helpers"
)

type Type string

// ServerID is robot_id of frames answered by relay itself.
const ServerID = "server"

const (
	keyType      = "type"
	keyRobotID   = "robot_id"
	keyTimestamp = "timestamp"
)

// Envelope is immutable after Parse or New.
type Envelope struct {
	Type      Type
	RobotID   string
	Timestamp float64
	Body      Body
	// Raw is exact input of Parse, nil for locally created envelopes
	// until an encoding is cached by a sender.
	Raw []byte
}

type header struct {
	Type      *Type    `json:"type"`
	RobotID   string   `json:"robot_id"`
	Timestamp *float64 `json:"timestamp"`
}

var ErrNoType = errors.NotValidf("envelope without type")

// Parse decodes one frame. Unknown types yield Body=*Unknown, not error.
func Parse(b []byte) (*Envelope, error) {
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, errors.NewNotValid(err, "envelope json")
	}
	if h.Type == nil || *h.Type == "" {
		return nil, ErrNoType
	}
	e := &Envelope{
		Type:    *h.Type,
		RobotID: h.RobotID,
		Raw:     b,
	}
	if h.Timestamp != nil {
		e.Timestamp = *h.Timestamp
	}

	body := newBody(e.Type)
	if err := json.Unmarshal(b, body); err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("envelope type=%s payload", e.Type))
	}
	if fb, ok := body.(fieldsBody); ok {
		fb.dropHeader()
	}
	if v, ok := body.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, errors.Annotatef(err, "envelope type=%s", e.Type)
		}
	}
	e.Body = body
	return e, nil
}

// New creates envelope stamped with current time.
func New(robotID string, body Body) *Envelope {
	return &Envelope{
		Type:      body.Type(),
		RobotID:   robotID,
		Timestamp: helpers.UnixFloat(time.Now()),
		Body:      body,
	}
}

// Bytes returns original frame if any, so forwarding is verbatim.
func (e *Envelope) Bytes() ([]byte, error) {
	if e.Raw != nil {
		return e.Raw, nil
	}
	return e.Marshal()
}

// Marshal encodes header and body into one flat object.
func (e *Envelope) Marshal() ([]byte, error) {
	fields := make(map[string]json.RawMessage, 8)
	if e.Body != nil {
		b, err := json.Marshal(e.Body)
		if err != nil {
			return nil, errors.Annotatef(err, "marshal body type=%s", e.Type)
		}
		if string(b) != "null" {
			if err = json.Unmarshal(b, &fields); err != nil {
				return nil, errors.Annotatef(err, "body type=%s is not object", e.Type)
			}
		}
	}
	put := func(k string, v interface{}) {
		b, _ := json.Marshal(v)
		fields[k] = b
	}
	put(keyType, e.Type)
	if e.RobotID != "" {
		put(keyRobotID, e.RobotID)
	}
	put(keyTimestamp, e.Timestamp)
	b, err := json.Marshal(fields)
	return b, errors.Trace(err)
}

func (e *Envelope) Time() time.Time { return helpers.FromUnixFloat(e.Timestamp) }

func (e *Envelope) String() string {
	return fmt.Sprintf("(type=%s robot_id=%s)", e.Type, e.RobotID)
}

// Topic is subscription key <robot_id>/<type>.
func (e *Envelope) Topic() string { return Topic(e.RobotID, e.Type) }

func Topic(robotID string, t Type) string {
	if robotID == "" {
		robotID = ServerID
	}
	return robotID + "/" + string(t)
}

// Line appends newline for the robot byte stream.
func Line(e *Envelope) ([]byte, error) {
	b, err := e.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b)+1)
	copy(out, b)
	out[len(b)] = '\n'
	return out, nil
}
