package kafka

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
)

const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a handler failure that must not be redelivered. The
// consumer group routes it to the dead-letter topic immediately.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil || e.Err == nil {
		return "dead letter"
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is the record written to the dead-letter topic for both failed
// consumption and failed publication. Payload holds the original body when it
// is valid JSON; PayloadBase64 holds it otherwise.
type DeadLetter struct {
	Stage         string          `json:"stage"`
	OriginalTopic string          `json:"original_topic"`
	Partition     *int32          `json:"partition,omitempty"`
	Offset        *int64          `json:"offset,omitempty"`
	Key           string          `json:"key,omitempty"`
	EventID       string          `json:"event_id,omitempty"`
	Error         string          `json:"error"`
	Reason        string          `json:"reason,omitempty"`
	Attempts      int             `json:"attempts,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBase64 string          `json:"payload_base64,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func NewConsumeDeadLetter(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DeadLetter {
	dl := DeadLetter{
		Stage:     StageConsume,
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		dl.Reason = err.Reason
		if err.Err != nil {
			dl.Error = err.Err.Error()
		} else {
			dl.Error = err.Error()
		}
	}
	if msg == nil {
		return dl
	}
	partition, offset := msg.Partition, msg.Offset
	dl.OriginalTopic = msg.Topic
	dl.Partition = &partition
	dl.Offset = &offset
	dl.Key = string(msg.Key)
	dl.setPayload(msg.Value)
	return dl
}

func NewPublishDeadLetter(topic, key string, value any, err error, reason string) DeadLetter {
	dl := DeadLetter{
		Stage:         StagePublish,
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      1,
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	if env, ok := value.(enveloped); ok {
		dl.EventID = env.Meta().EventID
	}
	if value == nil {
		return dl
	}
	raw, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	dl.setPayload(raw)
	return dl
}

func (d *DeadLetter) setPayload(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if json.Valid(raw) {
		d.Payload = json.RawMessage(raw)
		if d.EventID == "" {
			var env Envelope
			if json.Unmarshal(raw, &env) == nil {
				d.EventID = env.EventID
			}
		}
		return
	}
	d.PayloadBase64 = base64.StdEncoding.EncodeToString(raw)
}
