// Package types contains shared value types used across FlowForge:
// the unified error type and its error codes.
//
// The package has no dependencies on other FlowForge packages so that
// every layer (engine, stores, HTTP handlers) can use it freely.
package types
