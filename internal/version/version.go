// ABOUTME: Version information for timesync-go
// ABOUTME: Reported by the CLIs and the metrics endpoint
package version

const (
	// Version is the software version
	Version = "0.3.0"

	// Product is the product name
	Product = "timesyncd"

	// Manufacturer is the maintainer reported in build info
	Manufacturer = "Resonate Protocol"
)

// Labels returns the build identity as metric labels
func Labels() map[string]string {
	return map[string]string{
		"product":      Product,
		"version":      Version,
		"manufacturer": Manufacturer,
	}
}
