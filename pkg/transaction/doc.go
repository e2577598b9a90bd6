// Package transaction runs short, linear sequences of host-mutating steps
// and records a human-readable report line for every step it executes.
//
// A sequence is applied either strictly, stopping at the first failure, or
// in best-effort mode, where failures are recorded and execution moves on.
// Callers pair a forward sequence with a rollback sequence and run the
// rollback best-effort when the forward run fails:
//
//	report, err := exec.Run(ctx, forward, false)
//	if err != nil {
//		rollbackReport, _ := exec.Run(ctx, rollback, true)
//		...
//	}
//
// Steps are plain data. They are interpreted against a Host, which is the
// local filesystem and shell in production.
package transaction
