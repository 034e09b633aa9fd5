// Package application provides application initialization and dependency wiring.
// It builds the static file handler, cross-origin policy, router and HTTP server
// from configuration, and owns the auto-reload lifecycle: watching the frontend
// directory and config file, swapping in a freshly built handler when the
// configuration changes, and notifying browsers to refresh. This keeps the main
// package focused on CLI parsing and orchestration.
package application
