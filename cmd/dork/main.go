// Package main is the dork daemon and its management CLI.
// The default command runs the full daemon: relay, mesh, pulse, sessions,
// the live event feed, and the embedded MCP tool server behind one HTTP
// surface.
package main

func main() {
	Execute()
}
