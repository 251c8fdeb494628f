/*
Package metrics provides Prometheus metrics and HTTP health endpoints for condo.

All collectors are package-level vectors registered with the default
Prometheus registry at init, so any package can record into them without
plumbing a registry through constructors.

# Metrics

	condo_dispatcher_transitions_total{from,to,event}   counter
	condo_dispatcher_state{state}                       gauge, 1 for the active state
	condo_dispatcher_dropped_events_total{reason}       counter (stale, unexpected)
	condo_dispatcher_queued_specs_total                 counter
	condo_deploys_total{result}                         counter
	condo_health_wait_duration_seconds{verdict}         histogram
	condo_image_pull_duration_seconds                   histogram
	condo_watch_requests_total{outcome}                 counter
	condo_spec_decode_errors_total                      counter

# Health

Components report themselves with RegisterComponent and UpdateComponent.
/health is unhealthy when any registered component is unhealthy. /ready
additionally requires every critical component (watch, engine and dispatcher
by default) to be registered and healthy. /live always answers 200 while the
process runs.

# Usage

	timer := metrics.NewTimer()
	id, err := rt.PullImage(ctx, name, tag)
	timer.ObserveDuration(metrics.ImagePullDuration)

	srv := metrics.NewServer(":9100")
	go srv.ListenAndServe()
	defer srv.Shutdown(ctx)
*/
package metrics
