// Package kv provides the durable key-value port and clock abstraction that
// all engine state is built on. Keys are partitioned by namespace prefix
// (sent flags, stock cooldowns, sync queue, medication cache, notification
// schedule) so components never collide.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the durable key-value port. Implementations must persist values
// across process restarts.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Clock abstracts current time so scheduling logic can be tested against a
// controlled wall clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
