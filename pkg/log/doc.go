/*
Package log provides structured logging for the graph engine using zerolog.

The log package wraps zerolog to give every component a JSON-structured,
level-filtered logger without threading a logger value through every
constructor. A package-level Logger is initialized once via Init, and
component loggers are derived from it with WithComponent and friends.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	nodeLog := log.WithComponent("node")
	nodeLog.Info().Str("qid", string(qid)).Msg("node woke")

	nodeLog.Error().Err(err).Msg("persist failed")

# Conventions

Each core component gets its own component logger: "node" for the actor
core (which also logs errors returned by the domain-graph subscription
engine; that engine has no logger of its own), "wake" for the wake/sleep
controller, "edgeproc.memory-first" for the MemoryFirst edge processor,
"persistor.bolt" / "persistor.raft" for the backends. Never log property or edge payload bytes at Info level or
above — they may carry user data; Debug-level dumps are acceptable for
local troubleshooting only.
*/
package log
