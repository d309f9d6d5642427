// Package version provides version information for the feed value provider.
package version

// Version is the current version of the provider.
const Version = "0.3.1"

// AgentString returns the full agent string with versioning.
// Format: @niftyleague/ftso-feed-value-provider@v{version}
func AgentString() string {
	return "@niftyleague/ftso-feed-value-provider@v" + Version
}
