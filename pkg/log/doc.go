/*
Package log provides structured logging for condo using zerolog.

A single package-level Logger is configured once by Init from the command
line (level, JSON or console output). Long-lived components never reach for
the global directly: each one accepts a zerolog.Logger in its Config and the
process wiring hands it a child logger created by WithComponent, so tests can
inject Nop() or a buffer-backed logger.

# Usage

	log.Init(log.Config{
		Level:      log.ParseLevel("debug"),
		JSONOutput: true,
		Output:     os.Stdout,
	})

	dispatcherLog := log.WithComponent("dispatcher")
	dispatcherLog.Info().
		Uint64("generation", 3).
		Str("state", "RunningStable").
		Msg("Transitioned")

# Fields

The codebase uses a small fixed vocabulary of field names so that logs can be
queried across components:

	component     dispatcher, watcher, deployer, runtime, health, history
	key           the watched Consul key
	index         Consul modify index of a watch response
	generation    Deploy generation number
	state / event dispatcher state and event names
	image         image reference name:tag
	container_id  engine container identifier

# Output

JSON:

	{"level":"info","component":"dispatcher","generation":2,"state":"RunningStable","time":"2024-10-13T10:30:00Z","message":"Transitioned"}

Console:

	2024-10-13T10:30:00Z INF Transitioned component=dispatcher generation=2 state=RunningStable
*/
package log
