// Package server hosts the worker behind a Fiber HTTP service. Incoming
// requests are rewritten onto the configured origin, bridged into fetch
// events, and answered from whatever the matching strategy produced; requests
// no route claims pass straight through to the origin. Bootstrap wires config
// into storage backends, plugin instances and runtime routes, and the
// registry keeps the resulting bindings for the /-/ diagnostics surface.
package server
