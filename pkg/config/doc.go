/*
Package config loads the condo agent configuration.

Values are layered, lowest precedence first:

	1. Default()
	2. a YAML file (--config), unknown fields rejected
	3. environment: CONSUL_AGENT, CONSUL_HTTP_TOKEN, DOCKER_HOST, CONDO_LOG_LEVEL
	4. command line flags, applied by cmd/condo

Validate collects every problem into a single error so an operator can fix
a file in one pass.

Example file:

	consul:
	  address: 127.0.0.1:8500
	  key: services/web/deploy
	  wait: 10s
	engine:
	  kind: docker
	  docker_host: unix:///var/run/docker.sock
	deploy:
	  advertise_host: 10.0.0.12
	  health_deadline: 2m
	metrics:
	  addr: 127.0.0.1:9469
	history:
	  path: /var/lib/condo/history.db
*/
package config
