/*
Package health provides the checks that decide whether a freshly started
Deploy is stable.

Two checkers implement Checker:

	HTTPChecker   GET a URL, 2xx passes (Http and HttpPath methods)
	ExecChecker   run a script with sh -c on the host, exit 0 passes (Script method)

A Waiter runs one Target per declared service concurrently. Each attempt is
bounded by the target's Timeout and attempts repeat every Interval until the
target reaches its SuccessThreshold. The wait as a whole is bounded by the
caller's context; when an AliveFunc is supplied it is polled alongside the
checks and a stopped workload ends the wait with ErrNotRunning.

	w := &health.Waiter{
		Targets: []health.Target{{
			Name:    "web",
			Checker: health.NewHTTPChecker("http://10.0.0.5:8080/health"),
			Config:  health.Config{Interval: 5 * time.Second, Timeout: 2 * time.Second},
		}},
		Alive: func(ctx context.Context) (bool, error) { return rt.IsRunning(ctx, id) },
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		// not stable
	}
*/
package health
