// Package app wires the engine's components together and carries runtime
// configuration.
package app
