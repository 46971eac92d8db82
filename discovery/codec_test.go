package discovery

import (
	"testing"
	"time"

	"github.com/kbukum/registrar/errors"
)

func TestRecordCodec(t *testing.T) {
	ep := NewEndpoint("http", "10.0.0.1", 8080, "orders", map[string]string{ParamEnvironment: "dev"})
	ep.Path = "/api"
	at := time.UnixMilli(1_700_000_000_123)

	data, err := EncodeRecord(Record{Endpoint: ep, SessionID: "s-1", RegisteredAt: at})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rec.Endpoint.Equal(ep) {
		t.Errorf("expected %s, got %s", ep, rec.Endpoint)
	}
	if rec.SessionID != "s-1" || !rec.RegisteredAt.Equal(at) {
		t.Errorf("unexpected record metadata %+v", rec)
	}
}

func TestDecodeRecord_Rejects(t *testing.T) {
	tests := map[string]string{
		"not json":       "{{",
		"invalid port":   `{"protocol":"http","host":"10.0.0.1","port":0,"service_id":"orders"}`,
		"missing fields": `{}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeRecord([]byte(raw)); !errors.Is(err, errors.ErrCodeInvalidEndpoint) {
				t.Errorf("expected INVALID_ENDPOINT, got %v", err)
			}
		})
	}
}

func TestEncodeRecord_NilEndpoint(t *testing.T) {
	if _, err := EncodeRecord(Record{}); !errors.Is(err, errors.ErrCodeInvalidEndpoint) {
		t.Errorf("expected INVALID_ENDPOINT, got %v", err)
	}
}
