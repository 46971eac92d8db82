// Package testutil provides test doubles for the discovery module.
//
// Component runs a memory backend on a mock clock and implements
// testutil.TestComponent, so leases can be expired by advancing time:
//
//	disc := testutil.NewComponent()
//	testutil.T(t).Setup(disc)
//	reg, _ := discovery.NewRegistry(disc.Backend(), discovery.RegistryConfig{
//	    SessionTTL: time.Second,
//	    Clock:      disc.Clock(),
//	}, nil)
//	disc.Advance(2 * time.Second)
//
// FaultyBackend wraps any backend and fails chosen operations.
package testutil
