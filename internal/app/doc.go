// Package app wires application dependencies for the CLI.
//
// It builds the encrypted store, the PEP client and the service graph
// from Config, exposing them via the App struct for commands to use.
package app
