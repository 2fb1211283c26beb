// Package domain holds the engine's records: emails and their events and
// links, contacts, broadcasts with their recipient snapshots, plans and
// usage counters, and the outbound message handed to a transport.
//
// The package imports nothing else from internal/. Status enums and their
// ordering live here so repositories and services share one definition.
package domain
