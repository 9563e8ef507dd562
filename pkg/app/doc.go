// Package app assembles a running leadflow instance from a config.Config.
//
// New opens the store, seeds the slot calendar, builds the channel,
// classifier, policy and template components and wires them into the
// workflow orchestrator. Start launches the scheduled contact runner and
// the file watchers; Shutdown stops them and closes the store.
//
// The CLI and the HTTP API only talk to App.
package app
