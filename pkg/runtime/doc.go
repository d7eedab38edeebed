// Package runtime wraps the Docker engine API of a single cluster node.
// Every call targets exactly one engine; the client proxy owns the engine
// handle for its node and serializes all state-changing calls through it.
package runtime
