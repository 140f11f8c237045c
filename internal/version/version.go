// Package version holds build-time identifiers injected via -ldflags.
package version

// Version and Commit are overridden at build time:
//
//	go build -ldflags "-X github.com/omniscope/controlplane/internal/version.Version=1.2.3 -X .../version.Commit=$(git rev-parse HEAD)"
var (
	Version = "dev"
	Commit  = "unknown"
)
