/*
Package dispatcher decides what runs. It holds the rollout state machine that
promotes a candidate Deploy only after it proves healthy and keeps or
restores the last stable one otherwise.

# States

	Start                                  nothing deployed
	WaitingForFirstStable{candidate}       first Deploy (or a redeploy) under health check
	RunningStable{current}                 one healthy Deploy
	WaitingForNewStable{last, candidate}   stop=Before: old one stopped, new one checking
	RunningStableWaitingForNew{cur, cand}  stop=AfterTimeout: both running, new one checking

# Transitions

	Start                         NewSpec       -> WaitingForFirstStable   start(c)
	WaitingForFirstStable         GotStable     -> RunningStable
	WaitingForFirstStable         DeployFailed  -> Start                   stop(c)
	RunningStable                 NewSpec/Before-> WaitingForNewStable     stop(cur), start(c)
	RunningStable                 NewSpec/After -> RunningStableWaitingForNew start(c)
	WaitingForNewStable           GotStable     -> RunningStable(c)
	WaitingForNewStable           DeployFailed  -> WaitingForFirstStable(last) stop(c), start(last)
	RunningStableWaitingForNew    GotStable     -> RunningStable(c)        stop(cur) later
	RunningStableWaitingForNew    DeployFailed  -> RunningStable(cur)      stop(c)

A NewSpec arriving while a candidate is in flight is parked in a single slot
(a newer one replaces it) and accepted as soon as a verdict returns the
machine to Start or RunningStable. Verdicts name a generation; one that does
not match the candidate is dropped with ErrStaleVerdict or
ErrUnexpectedVerdict and the state is left as it was.

# Actor

Machine is a pure value. Dispatcher runs it on a single goroutine fed by a
bounded queue. Every transition's effects run in order on their own
goroutine; a start is followed by the health wait, whose verdict is
submitted back into the queue. The wait is bounded by the candidate's
kill_timeout, or by Config.HealthDeadline when it has none. A start does
not begin until every stop issued by an earlier transition has returned, so
a replacement never races a container still releasing its host ports.

	d, _ := dispatcher.New(dispatcher.Config{Backend: deployer, Broker: broker})
	go d.Run(ctx)
	_ = d.Submit(ctx, dispatcher.NewSpec(s))
*/
package dispatcher
