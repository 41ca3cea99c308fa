package config

import "strings"

// Environment identifies the runtime environment where optflow operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// FeedKind selects where market data comes from.
type FeedKind string

const (
	// FeedSynthetic uses the paper broker's random-walk feed.
	FeedSynthetic FeedKind = "synthetic"
	// FeedWebsocket streams from a broker ticker endpoint.
	FeedWebsocket FeedKind = "websocket"
)

// JournalDriver selects the order journal backend.
type JournalDriver string

const (
	JournalPebble   JournalDriver = "pebble"
	JournalPostgres JournalDriver = "postgres"
	JournalMemory   JournalDriver = "memory"
)

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
