// Package service runs the sync engine: it listens to the primary store change
// feed, batches events, embeds documents and applies them to the vector index,
// resolving failures through retry, circuit breaking and degradation.
//
// The package can be embedded into other programs; cmd/embedsync exposes it as
// a CLI and an HTTP admin endpoint.
package service
