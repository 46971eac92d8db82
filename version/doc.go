// Package version reports the build version of the registrar binary.
//
// Release builds stamp the variables with -ldflags:
//
//	go build -ldflags "-X github.com/kbukum/registrar/version.Version=1.2.0 \
//	    -X github.com/kbukum/registrar/version.Commit=$(git rev-parse --short HEAD)"
//
// Unstamped builds fall back to the VCS settings recorded by the Go toolchain.
package version
