// ABOUTME: Build identity reported in status and discovery records
// ABOUTME: Version may be overridden at link time with -ldflags -X
package version

// Version is the release version, or "dev" for local builds.
var Version = "0.3.0"

const (
	// Product names the player in hello messages and mDNS TXT records.
	Product = "playout"
	// Manufacturer is reported alongside Product.
	Manufacturer = "Resonate"
)

// String returns "product version".
func String() string {
	return Product + " " + Version
}
