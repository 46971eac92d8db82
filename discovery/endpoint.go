package discovery

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/validation"
)

// Well-known endpoint parameters.
const (
	// ParamEnvironment carries the environment tag used for cluster matching.
	ParamEnvironment = "environment"
	// ParamWeight is read by the weighted selector.
	ParamWeight = "weight"
	// ParamServiceID carries the service id in the String form of an endpoint.
	ParamServiceID = "service_id"
)

var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*$`)

// Endpoint is one network address at which an instance of a service can be
// reached. Its identity is (Protocol, Host, Port, ServiceID); parameters
// may change without changing identity.
type Endpoint struct {
	Protocol   string            `json:"protocol" validate:"required,max=32"`
	Host       string            `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port       int               `json:"port" validate:"gte=1,lte=65535"`
	ServiceID  string            `json:"service_id" validate:"required,max=253"`
	Path       string            `json:"path,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Identity is the comparable identity of an endpoint.
type Identity struct {
	Protocol  string
	Host      string
	Port      int
	ServiceID string
}

// NewEndpoint creates an endpoint. params is copied.
func NewEndpoint(protocol, host string, port int, serviceID string, params map[string]string) *Endpoint {
	e := &Endpoint{
		Protocol:  protocol,
		Host:      host,
		Port:      port,
		ServiceID: serviceID,
	}
	for k, v := range params {
		e.AddParameter(k, v)
	}
	return e
}

// ParseEndpoint parses the String form of an endpoint, e.g.
// "http://10.0.0.7:8080/api?environment=dev&service_id=orders". Query
// parameters other than service_id become endpoint parameters.
func ParseEndpoint(raw string) (*Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.InvalidEndpoint(fmt.Sprintf("cannot parse %q", raw)).WithCause(err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.InvalidEndpoint(fmt.Sprintf("%q is not of the form protocol://host:port", raw))
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return nil, errors.InvalidEndpoint(fmt.Sprintf("%q has no numeric port", raw))
	}

	e := &Endpoint{
		Protocol: u.Scheme,
		Host:     u.Hostname(),
		Port:     port,
		Path:     u.Path,
	}
	for k, vs := range u.Query() {
		if len(vs) == 0 {
			continue
		}
		if k == ParamServiceID {
			e.ServiceID = vs[0]
			continue
		}
		e.AddParameter(k, vs[0])
	}
	return e, nil
}

// AddParameter sets a parameter, replacing any previous value.
func (e *Endpoint) AddParameter(key, value string) {
	if e.Parameters == nil {
		e.Parameters = make(map[string]string)
	}
	e.Parameters[key] = value
}

// RemoveParameter deletes a parameter. Removing an absent key is a no-op.
func (e *Endpoint) RemoveParameter(key string) {
	delete(e.Parameters, key)
}

// Parameter returns a parameter and whether it is set.
func (e *Endpoint) Parameter(key string) (string, bool) {
	v, ok := e.Parameters[key]
	return v, ok
}

// Environment returns the environment tag. Missing and empty tags both
// return "".
func (e *Endpoint) Environment() string {
	return e.Parameters[ParamEnvironment]
}

// Address returns host:port.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns protocol://host:port. Path and parameters are not included.
func (e *Endpoint) URL() string {
	return e.Protocol + "://" + e.Address()
}

// Identity returns the identity tuple. Protocol and host are compared
// case-insensitively.
func (e *Endpoint) Identity() Identity {
	return Identity{
		Protocol:  strings.ToLower(e.Protocol),
		Host:      strings.ToLower(e.Host),
		Port:      e.Port,
		ServiceID: e.ServiceID,
	}
}

// Key is the identity rendered as a store key segment, without the service
// id. It contains no '/'.
func (e *Endpoint) Key() string {
	id := e.Identity()
	return id.Protocol + "@" + net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// Clone returns a deep copy.
func (e *Endpoint) Clone() *Endpoint {
	if e == nil {
		return nil
	}
	c := *e
	c.Parameters = nil
	for k, v := range e.Parameters {
		c.AddParameter(k, v)
	}
	return &c
}

// Equal reports whether both endpoints have the same identity, path and
// parameters.
func (e *Endpoint) Equal(o *Endpoint) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Identity() != o.Identity() || e.Path != o.Path || len(e.Parameters) != len(o.Parameters) {
		return false
	}
	for k, v := range e.Parameters {
		if ov, ok := o.Parameters[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String returns the full form, including path, service id and parameters
// in sorted order. ParseEndpoint reverses it.
func (e *Endpoint) String() string {
	q := url.Values{}
	for k, v := range e.Parameters {
		q.Set(k, v)
	}
	if e.ServiceID != "" {
		q.Set(ParamServiceID, e.ServiceID)
	}
	u := url.URL{
		Scheme:   e.Protocol,
		Host:     e.Address(),
		Path:     e.Path,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Validate checks that the endpoint can be registered.
func (e *Endpoint) Validate() error {
	if e == nil {
		return errors.InvalidEndpoint("endpoint is nil")
	}
	if err := validation.Validate(e); err != nil {
		reason := err.Error()
		if appErr, ok := errors.AsAppError(err); ok {
			reason = appErr.Message
		}
		return errors.InvalidEndpoint(reason).WithCause(err)
	}
	if !schemePattern.MatchString(e.Protocol) {
		return errors.InvalidEndpoint(fmt.Sprintf("protocol %q is not a valid URL scheme", e.Protocol))
	}
	return nil
}

// sortEndpoints orders endpoints by key.
func sortEndpoints(eps []*Endpoint) {
	sort.Slice(eps, func(i, j int) bool { return eps[i].Key() < eps[j].Key() })
}
