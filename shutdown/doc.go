// Package shutdown stops a plasma process in order when it receives SIGINT
// or SIGTERM.
//
// The signal first cancels the context handed to the long-running loops
// (router, worker, monitor). Registered handlers then run phase by phase:
// component loops drain in PhaseComponents, journals flush in PhaseJournal,
// and the bus and state store close last in PhaseConnections.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	ctx := coord.HandleSignals(context.Background())
//
//	coord.RegisterWithPhase("journal", shutdown.Closer(sink), shutdown.PhaseJournal)
//	coord.RegisterWithPhase("bus", shutdown.Closer(b), shutdown.PhaseConnections)
//
//	err := r.Run(ctx)
//	<-coord.Done()
package shutdown
