// Package infostore keeps the most recently published ChannelInfo of each
// source so that consumers can look it up without talking to the acquisition
// server themselves.
package infostore

import (
	"context"
	"errors"

	"github.com/cyberinferno/rtstream/fiff"
)

// ErrNotFound is returned by Lookup when no info has been published for a key.
var ErrNotFound = errors.New("infostore: channel info not found")

// FetchFunc reads channel info from its source on a lookup miss.
type FetchFunc func(ctx context.Context) (*fiff.ChannelInfo, error)

// Store holds published channel info by source key. Published values are
// shared read-only; callers must not modify them.
type Store interface {
	// Publish stores info under key, replacing any previous value.
	Publish(ctx context.Context, key string, info *fiff.ChannelInfo) error

	// Lookup returns the info stored under key or ErrNotFound.
	Lookup(ctx context.Context, key string) (*fiff.ChannelInfo, error)

	// LookupOrFetch returns the stored info, or calls fetch on a miss and
	// publishes its result. Concurrent misses for the same key share one fetch.
	LookupOrFetch(ctx context.Context, key string, fetch FetchFunc) (*fiff.ChannelInfo, error)

	// Forget removes the info stored under key.
	Forget(ctx context.Context, key string) error
}
