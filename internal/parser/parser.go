// Package parser decodes the job notifications published by the cluster
// event daemon.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hogwarts-cloud/hogd/internal/models"
)

const (
	TypeOpStatus       = "ganeti-op-status"
	TypeNetworkStatus  = "ganeti-network-status"
	TypeCreateProgress = "ganeti-create-progress"
)

var ErrMalformedMessage = errors.New("malformed message")

// Parser maps backend names carried by the messages back to record ids.
type Parser struct {
	prefix string
}

func New(prefix string) *Parser {
	return &Parser{prefix: prefix}
}

type opStatus struct {
	Type      string    `json:"type"`
	Instance  string    `json:"instance"`
	Operation string    `json:"operation"`
	JobID     jobID     `json:"jobId"`
	Status    string    `json:"status"`
	LogMsg    string    `json:"logmsg"`
	EventTime eventTime `json:"event_time"`
}

type networkStatus struct {
	Type      string    `json:"type"`
	Network   string    `json:"network"`
	Cluster   string    `json:"cluster"`
	Operation string    `json:"operation"`
	JobID     jobID     `json:"jobId"`
	Status    string    `json:"status"`
	LogMsg    string    `json:"logmsg"`
	EventTime eventTime `json:"event_time"`
}

type createProgress struct {
	Type      string    `json:"type"`
	Instance  string    `json:"instance"`
	Progress  *float64  `json:"rprogress"`
	EventTime eventTime `json:"event_time"`
}

// ParseOpStatus decodes the status of an instance job.
func (p *Parser) ParseOpStatus(body []byte) (models.Message, error) {
	var msg opStatus
	if err := decode(body, &msg, func() string { return msg.Type }, TypeOpStatus); err != nil {
		return models.Message{}, err
	}

	id, err := models.ParseInstanceName(p.prefix, msg.Instance)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	return models.Message{
		Kind:      models.KindVirtualMachine,
		EntityID:  id,
		Opcode:    models.Opcode(msg.Operation),
		JobID:     string(msg.JobID),
		Status:    models.JobStatus(msg.Status),
		Timestamp: time.Time(msg.EventTime),
		Log:       msg.LogMsg,
	}, nil
}

// ParseNetworkStatus decodes the status of a network job run on one backend.
func (p *Parser) ParseNetworkStatus(body []byte) (models.Message, error) {
	var msg networkStatus
	if err := decode(body, &msg, func() string { return msg.Type }, TypeNetworkStatus); err != nil {
		return models.Message{}, err
	}

	id, err := models.ParseNetworkName(p.prefix, msg.Network)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if msg.Cluster == "" {
		return models.Message{}, fmt.Errorf("%w: missing cluster", ErrMalformedMessage)
	}

	return models.Message{
		Kind:      models.KindBackendNetwork,
		EntityID:  id,
		Backend:   msg.Cluster,
		Opcode:    models.Opcode(msg.Operation),
		JobID:     string(msg.JobID),
		Status:    models.JobStatus(msg.Status),
		Timestamp: time.Time(msg.EventTime),
		Log:       msg.LogMsg,
	}, nil
}

// ParseProgress decodes a build progress report.
func (p *Parser) ParseProgress(body []byte) (models.ProgressMessage, error) {
	var msg createProgress
	if err := decode(body, &msg, func() string { return msg.Type }, TypeCreateProgress); err != nil {
		return models.ProgressMessage{}, err
	}

	id, err := models.ParseInstanceName(p.prefix, msg.Instance)
	if err != nil {
		return models.ProgressMessage{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if msg.Progress == nil {
		return models.ProgressMessage{}, fmt.Errorf("%w: missing rprogress", ErrMalformedMessage)
	}

	return models.ProgressMessage{
		EntityID:  id,
		Progress:  *msg.Progress,
		Timestamp: time.Time(msg.EventTime),
	}, nil
}

func decode(body []byte, v any, typ func() string, expected string) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if got := typ(); got != expected {
		return fmt.Errorf("%w: type %q, expected %q", ErrMalformedMessage, got, expected)
	}

	return nil
}

// jobID accepts both numeric and string job ids.
type jobID string

func (j *jobID) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*j = jobID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("job id %s: %w", data, err)
	}
	*j = jobID(n.String())

	return nil
}

// eventTime is a [seconds, microseconds] pair.
type eventTime time.Time

func (e *eventTime) UnmarshalJSON(data []byte) error {
	var pair []int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("event time: %w", err)
	}

	if len(pair) != 2 {
		return fmt.Errorf("event time has %d fields, expected 2", len(pair))
	}

	if pair[1] < 0 || pair[1] >= int64(time.Second/time.Microsecond) {
		return fmt.Errorf("event time microseconds %d out of range", pair[1])
	}

	*e = eventTime(time.Unix(pair[0], pair[1]*int64(time.Microsecond)).UTC())

	return nil
}
