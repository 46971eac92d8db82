// Package discovery registers service endpoints with a coordination backend
// and resolves service ids, optionally qualified by an environment tag, to
// live endpoints.
//
// A Registry owns the endpoints of this process. It ties them to a session
// lease and renews the lease on a ticker; when renewal keeps failing the
// session is reported through OnRegistrationLost. A Resolver keeps one
// immutable Snapshot per service and answers Resolve from it, refreshing
// from the backend only when the snapshot is missing, invalidated or older
// than the freshness window.
//
// Backends live in sub-packages and register themselves by name:
//
//	import (
//	    "github.com/kbukum/registrar/discovery"
//	    _ "github.com/kbukum/registrar/discovery/etcd"
//	)
//
//	comp := discovery.NewComponent(cfg.Discovery, log)
//	if err := comp.Start(ctx); err != nil { ... }
//	url, err := comp.Resolver().Resolve(ctx, "http", "orders", "dev")
//
// An empty environment tag matches instances registered without a tag or
// with an empty one. A tag that no instance carries fails with
// NO_MATCHING_INSTANCE and leaves the cache untouched.
package discovery
