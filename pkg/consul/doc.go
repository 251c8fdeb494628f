/*
Package consul wraps github.com/hashicorp/consul/api for the calls condo
makes: blocking KV reads, local agent service registration and the health
endpoint for discovery. API errors keep their HTTP status, see StatusCode.

# Watching a key

	GET /v1/kv/<key>?index=<n>&wait=10s

The agent holds the request until the key's index moves past n or the wait
elapses. The response's X-Consul-Index is the next n. The body is a
one-element array whose Value is the base64 payload; 404 means the key does
not exist yet. A Watcher emits a payload only when the index changed and the
key exists. Requests are paced by a token bucket so a misbehaving agent
answering immediately cannot spin the loop, and failures are retried after a
fixed delay. If the index goes backwards the watcher starts over from 0.

	client, _ := consul.NewClient(consul.Config{Address: "127.0.0.1:8500"})
	w := consul.NewWatcher(client, consul.WatcherConfig{Key: "apps/web"})
	for payload := range w.Watch(ctx) {
		...
	}

# Services

RegisterService and DeregisterService manage the Deploy's services on the
local agent. HealthyInstances resolves a discovery to the passing instances
of another service.
*/
package consul
