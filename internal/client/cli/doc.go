// Package cli is the command-line front end of the Roomies client.
//
// Every action is a cobra command (signin, task add, sync, ...). The shell
// command runs the same command tree in an interactive loop with background
// syncing, which is the closest the terminal gets to the mobile app: edits
// are visible at once and reach the server whenever it is reachable.
package cli
