// Package commands defines the loomcrypt CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init           Create the local account (and cross-signing keys)
//   - fingerprint    Print the identity key fingerprint
//   - keys           Print the publishable one-time/fallback key view
//   - export-keys    Export a room's inbound session keys to a file
//   - import-keys    Import room keys from a file
//   - rotate-pass    Re-wrap the store data key under a new passphrase
//   - status         Print store and session counters
//
// # Implementation
//
// The root command builds the dependency graph (store, account, managers)
// in PersistentPreRunE so handlers share one app context.
package commands
