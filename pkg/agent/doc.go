/*
Package agent assembles a condo agent from its configuration.

	Consul KV ──watch──▶ spec.Decode ──NewSpec──▶ Dispatcher ──▶ Deployer ──▶ engine
	                          │                        │             │
	                          └──── events.Broker ◀────┴─────────────┘
	                                      │
	                         history recorder, engine health

One agent drives one key. The metrics server exposes /metrics, /health,
/ready, /live and, when history is enabled, /history.

With a spec file configured the watch is skipped: the file is decoded once,
submitted, and the agent keeps the resulting deploy running until it is
stopped. Readiness then ignores the watch component.

Stopping the agent cancels in-flight starts and health waits and runs any
pending scheduled stops, but leaves the current deploy running so a
restarted agent takes over without downtime.
*/
package agent
