package config

// Set at link time:
//
//	go build -ldflags "-X turfwar/internal/config.version=1.4.0 \
//	    -X turfwar/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X turfwar/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
