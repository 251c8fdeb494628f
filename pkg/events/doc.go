/*
Package events provides an in-memory broker for condo's deployment lifecycle
events.

The dispatcher and the deployer publish what happens to each Deploy; the
history recorder (pkg/storage) and anything else interested subscribe. The
broker is deliberately lossy towards slow subscribers: publishing never waits
on a subscriber, so the dispatcher loop cannot be stalled by a consumer.

# Architecture

	Dispatcher / Deployer
	        │ Publish
	        ▼
	  event channel (buffer: 100)
	        │ broadcast loop
	        ▼
	  subscriber channels (buffer: 50 each, full buffers are skipped)
	        │
	        ▼
	  History recorder, tests

# Event Types

	spec.received     a descriptor was decoded and queued for the dispatcher
	spec.rejected     a descriptor failed to decode
	spec.superseded   a queued descriptor was replaced by a newer one
	state.changed     the dispatcher moved between states (from, to, event)
	deploy.started    the backend started a Deploy (generation, image)
	deploy.stable     a Deploy passed its health checks
	deploy.failed     a Deploy failed to start or to become healthy
	deploy.stopped    a Deploy was stopped and its services deregistered

Metadata uses the Meta* keys. Generation is the decimal Deploy generation.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Generation())
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventDeployStable,
		Metadata: map[string]string{events.MetaGeneration: "3"},
	})

A nil *Broker accepts Publish calls and drops them, which keeps the broker
optional for components under test.
*/
package events
