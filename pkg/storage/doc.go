/*
Package storage keeps a local history of condo Deploys in BoltDB.

The history is written, never read back into the dispatcher: condo always
starts from an empty state. It exists so an operator can see which images
were deployed, when each became stable or failed, and why.

# Layout

One bucket, "deploys", holds a JSON DeployRecord per Deploy. Keys are

	<session unix nanos, 20 digits>-<generation, 20 digits>

so a forward cursor walks history in order and ListDeploys walks it
backwards for newest first. The session is the agent's start time, which
keeps generations from different runs apart.

# Recording

A Recorder subscribes to the events broker and folds deploy.started,
deploy.stable, deploy.failed and deploy.stopped events into the matching
record. Handler serves the newest records as JSON for the running agent;
OpenReadOnly reads the file when no agent holds it.
*/
package storage
