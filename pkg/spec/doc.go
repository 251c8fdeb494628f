/*
Package spec defines the deployment descriptor that condo watches for and the
codec that turns raw payloads into validated Spec values.

# Wire format

A descriptor is a JSON object. Variants are encoded as tagged arrays:

	{
	  "image": {"name": "registry.local/web", "tag": "1.4.2"},
	  "cmd": ["./web", "--port", "8080"],
	  "services": [{
	    "name": "web",
	    "port": 8080,
	    "tags": ["http", "v1"],
	    "udp": false,
	    "host_port": 18080,
	    "check": {"method": ["HttpPath", "/health"], "interval": 5, "timeout": 2}
	  }],
	  "envs": [{"name": "MODE", "value": "prod"}],
	  "discoveries": [{"service": "db", "env": "DB_ADDR", "multiple": false}],
	  "stop": ["AfterTimeout", 30],
	  "kill_timeout": 15
	}

stop is ["Before"] or ["AfterTimeout", seconds] and defaults to
["AfterTimeout", 10]. check.method is ["Script", cmd], ["Http", url] or
["HttpPath", path]. Durations on the wire are whole seconds.

# Validation

Decode rejects unknown variant tags, missing required fields and type
mismatches. Every error wraps ErrInvalid and the returned Spec is the zero
value, never a partially filled one. Service tags are a set and come back
sorted without duplicates. Identical payloads are not deduplicated; each
successful decode is a new desired state.

Encode writes the same format, and Decode(Encode(s)) yields a Spec equal to s
for every s produced by Decode.

# Local files

ReadFile accepts .json/.jsonc (comments and trailing commas allowed) and
.yaml/.yml documents with the same field names. It backs the validate
command and the --spec-file mode of condo run.
*/
package spec
