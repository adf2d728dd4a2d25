package limits

// Size limits for API payloads and captured process output

const (
	// JSON is the standard size limit for API request/response payloads (1MB)
	JSON = 1 << 20

	// ErrorBody is the maximum size for error response bodies (1KB)
	// Used when parsing error messages from failed API calls
	ErrorBody = 1024

	// Output is the default cap on each captured stream of a destroy
	// attempt (1MB). Older output is dropped first.
	Output = 1 << 20

	// RecentEvents is how many notifications the daemon keeps for /api/events
	RecentEvents = 200
)
