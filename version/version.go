package version

// Set with -ldflags "-X github.com/powerpuffpenguin/muxf/version.Version=..."
var (
	Version = `v0.0.1`
	Date    = `unknown`
	Commit  = `unknown`
)
