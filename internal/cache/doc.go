// Package cache provides the Redis-backed run cache. Completed runs are
// cached so repeated state lookups skip the store.
// This package is internal and should not be imported by external projects.
package cache
