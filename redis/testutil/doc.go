// Package testutil serves a redis.Client from miniredis for tests.
//
//	rc := testutil.NewComponent()
//	coretestutil.T(t).Setup(rc)
//	backend := discoveryredis.New(rc.Client(), cfg, log)
//	rc.FastForward(15 * time.Second) // expire leases
//
// Reset flushes every key; Snapshot/Restore keep strings, sets and TTLs.
package testutil
