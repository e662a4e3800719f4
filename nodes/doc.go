// Package nodes provides the built-in step library and the code review
// template graph. RegisterBuiltins installs every step into a registry so
// graphs can reference them by name.
package nodes
