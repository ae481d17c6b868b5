// Package commands implements the omemo CLI subcommands.
package commands
