/*
Package deploy runs condo Deploys as containers registered in Consul.

The Deployer is the dispatcher's Backend. It turns a Spec into a container
on the configured runtime and turns the Spec's services into Consul agent
registrations, so the dispatcher only ever sees opaque handles and verdicts.

# Start

	1. resolve discoveries into env (HealthyInstances, first or comma-joined)
	2. pull image                    (condo_image_pull_duration_seconds)
	3. create container              <name>-<generation>-<8 hex>
	4. start container
	5. register one service per declared service, with its Consul check

A failure after the container exists stops and removes it again, together
with any services already registered.

# Health

AwaitHealth runs the same checks locally through pkg/health. HttpPath checks
are resolved against the advertise host and the service's published port,
Script checks run with sh -c on the host. The container is polled while the
checks run and a container that exits fails the wait immediately.

# Stop

Stop deregisters the services first so traffic drains before the container
receives its stop signal. The kill timeout bounds how long the container may
take to exit before it is killed. Stopping a handle twice is a no-op.
*/
package deploy
