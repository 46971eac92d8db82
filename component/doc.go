// Package component defines the lifecycle contract shared by everything the
// registrar process starts and stops.
//
// A Registry starts components in registration order and stops them in
// reverse, so the resolver and registry shut down before the backend
// connection they depend on.
package component
