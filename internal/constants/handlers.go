package constants

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// Web server constants
const (
	// DefaultWebPort is the default port for the control server
	DefaultWebPort = 8080

	// DefaultWebHost is the default bind address for the control server
	DefaultWebHost = "127.0.0.1"

	// DefaultHitsPageSize is the maximum number of ledger rows returned per request
	DefaultHitsPageSize = 1000
)
