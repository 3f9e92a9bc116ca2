package constants

const AppName = "originfetchd"

const (
	// ProtocolRequestIDKey is the header a client-facing request is
	// tagged with for correlation in logs and metrics.
	ProtocolRequestIDKey = "X-Request-ID"
	// ProtocolCacheStatusKey reports which Response kind an engine
	// selected: hit, miss, partial, blind.
	ProtocolCacheStatusKey = "X-Cache"
)
