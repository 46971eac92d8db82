package discovery

import (
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// Snapshot is an immutable view of one service's live instances at a point
// in time. It is rebuilt wholesale on every refresh and never patched.
type Snapshot struct {
	serviceID   string
	instances   []*Endpoint
	fetchedAt   time.Time
	tagIndex    map[string][]int
	fingerprint uint64
}

// NewSnapshot builds a snapshot from instances. The instances are cloned and
// sorted by key, so callers may reuse the slice.
func NewSnapshot(serviceID string, instances []*Endpoint, fetchedAt time.Time) *Snapshot {
	cloned := make([]*Endpoint, 0, len(instances))
	for _, ep := range instances {
		if ep == nil {
			continue
		}
		cloned = append(cloned, ep.Clone())
	}
	sortEndpoints(cloned)

	s := &Snapshot{
		serviceID: serviceID,
		instances: cloned,
		fetchedAt: fetchedAt,
		tagIndex:  make(map[string][]int),
	}
	for i, ep := range cloned {
		tag := ep.Environment()
		s.tagIndex[tag] = append(s.tagIndex[tag], i)
	}
	s.fingerprint = fingerprint(cloned)
	return s
}

// ServiceID returns the service the snapshot describes.
func (s *Snapshot) ServiceID() string { return s.serviceID }

// FetchedAt returns when the instances were read from the backend.
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// Len returns the number of instances.
func (s *Snapshot) Len() int { return len(s.instances) }

// Fingerprint summarizes membership and parameters. Two snapshots with the
// same instances have the same fingerprint.
func (s *Snapshot) Fingerprint() uint64 { return s.fingerprint }

// Age returns how old the snapshot is relative to now.
func (s *Snapshot) Age(now time.Time) time.Duration { return now.Sub(s.fetchedAt) }

// Instances returns copies of every instance.
func (s *Snapshot) Instances() []*Endpoint {
	out := make([]*Endpoint, len(s.instances))
	for i, ep := range s.instances {
		out[i] = ep.Clone()
	}
	return out
}

// Tags returns the distinct environment tags present, sorted. The default
// group is reported as "".
func (s *Snapshot) Tags() []string {
	tags := make([]string, 0, len(s.tagIndex))
	for tag := range s.tagIndex {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Candidates returns the instances in the envTag group whose protocol
// matches, ignoring case. An empty protocol matches every instance. The
// returned endpoints are shared with the snapshot and must not be modified.
func (s *Snapshot) Candidates(envTag, protocol string) []*Endpoint {
	idx := s.tagIndex[envTag]
	out := make([]*Endpoint, 0, len(idx))
	for _, i := range idx {
		ep := s.instances[i]
		if protocol != "" && !strings.EqualFold(ep.Protocol, protocol) {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func fingerprint(sorted []*Endpoint) uint64 {
	h := fnv.New64a()
	for _, ep := range sorted {
		_, _ = h.Write([]byte(ep.String()))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
