package discovery

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/kbukum/registrar/errors"
)

// Record is what a backend stores for one registered endpoint.
type Record struct {
	Endpoint     *Endpoint
	SessionID    string
	RegisteredAt time.Time
}

type wireRecord struct {
	Protocol     string            `json:"protocol"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	ServiceID    string            `json:"service_id"`
	Path         string            `json:"path,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	RegisteredAt int64             `json:"registered_at,omitempty"`
}

var recordCodec = sonic.ConfigStd

// EncodeRecord serializes a record as JSON.
func EncodeRecord(r Record) ([]byte, error) {
	if r.Endpoint == nil {
		return nil, errors.InvalidEndpoint("record has no endpoint")
	}
	w := wireRecord{
		Protocol:   r.Endpoint.Protocol,
		Host:       r.Endpoint.Host,
		Port:       r.Endpoint.Port,
		ServiceID:  r.Endpoint.ServiceID,
		Path:       r.Endpoint.Path,
		Parameters: r.Endpoint.Parameters,
		SessionID:  r.SessionID,
	}
	if !r.RegisteredAt.IsZero() {
		w.RegisteredAt = r.RegisteredAt.UnixMilli()
	}
	data, err := recordCodec.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.Endpoint.Key(), err)
	}
	return data, nil
}

// DecodeRecord parses a stored record and validates its endpoint.
func DecodeRecord(data []byte) (Record, error) {
	var w wireRecord
	if err := recordCodec.Unmarshal(data, &w); err != nil {
		return Record{}, errors.InvalidEndpoint("malformed record").WithCause(err)
	}
	ep := NewEndpoint(w.Protocol, w.Host, w.Port, w.ServiceID, w.Parameters)
	ep.Path = w.Path
	if err := ep.Validate(); err != nil {
		return Record{}, err
	}
	r := Record{Endpoint: ep, SessionID: w.SessionID}
	if w.RegisteredAt > 0 {
		r.RegisteredAt = time.UnixMilli(w.RegisteredAt)
	}
	return r, nil
}
