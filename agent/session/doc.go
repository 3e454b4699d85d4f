// Package session tracks the peers subscribed to a channel and the process bound to each of them.
//
// A Registry is owned by one goroutine and is not safe for concurrent use.
package session
