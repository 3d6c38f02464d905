// Package services bundles the daemon's long-lived components behind an
// accessor interface. The HTTP server and CLI receive one Registry
// instead of a growing constructor parameter list; nothing in the module
// reaches for globals.
package services
