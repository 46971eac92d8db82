// Package testutil gives test components (miniredis, the in-memory
// discovery provider) a uniform Setup/Reset/Snapshot/Restore surface.
//
//	func TestRenewal(t *testing.T) {
//	    rc := redistest.NewComponent()
//	    testutil.T(t).Setup(rc)
//	    ...
//	}
//
// Manager starts several components in order and stops them in reverse:
//
//	m := testutil.NewManager(ctx)
//	m.Add(rc)
//	m.Add(dc)
//	if err := m.StartAll(); err != nil { ... }
//	t.Cleanup(func() { _ = m.Cleanup() })
package testutil
