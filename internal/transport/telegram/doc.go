// Package telegram implements the engine's user-removal and entry-message
// collaborators on top of the transport adapter.
//
// Both are fire-and-forget: calls return immediately and the work runs on
// the package's supervisor, which logs failures.
package telegram
