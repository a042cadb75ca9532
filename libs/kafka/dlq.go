package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a handler failure as poison: the message is parked on the dead-letter topic
// instead of being retried.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
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

type DLQPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err error, reason string, attempts int) DLQPayload {
	out := DLQPayload{
		Reason:    reason,
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	if msg == nil {
		return out
	}
	out.OriginalTopic = msg.Topic
	out.Partition = msg.Partition
	out.Offset = msg.Offset
	if len(msg.Key) > 0 {
		out.Key = string(msg.Key)
	}
	if len(msg.Value) > 0 {
		out.Payload = base64.StdEncoding.EncodeToString(msg.Value)
	}
	return out
}

type DLQPublishPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildPublishDLQPayload(topic, key string, value any, err error, reason string, attempts int) DLQPublishPayload {
	payload := ""
	if value != nil {
		raw, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
		payload = base64.StdEncoding.EncodeToString(raw)
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	return DLQPublishPayload{
		OriginalTopic: topic,
		Key:           key,
		Error:         errMsg,
		Reason:        reason,
		Attempts:      attempts,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}
