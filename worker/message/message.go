// Package message holds the load message that travels to the broker and back.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrNoTimestamp = errors.New("message has no timestamp")

// Timestamp is seconds since the epoch. It is written as a JSON number; reading also accepts
// the number as a quoted string.
type Timestamp float64

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(t), 'f', -1, 64), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", string(b), err)
	}
	*t = Timestamp(v)
	return nil
}

func (t Timestamp) Time() time.Time {
	sec := float64(t)
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9))
}

type Message struct {
	Message   string    `json:"message"`
	Timestamp Timestamp `json:"timestamp"`
}

// New returns an unstamped message. The client stamps it right before it goes on the wire.
func New(body string) Message {
	return Message{Message: body}
}

// Stamp returns a copy of m carrying now as its send time.
func (m Message) Stamp(now time.Time) Message {
	m.Timestamp = Timestamp(EpochSeconds(now))
	return m
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	if m.Timestamp == 0 {
		return Message{}, ErrNoTimestamp
	}
	return m, nil
}

func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
