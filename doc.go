// Package tripd implements an asynchronous fault-injection and load-test run
// orchestrator. A server drives at most one test run at a time through the
// warmup, baseline, trip, and recovery phases, exposes live status and a
// final report over a small HTTP control API, and survives durable-store
// outages by degrading to in-process state.
//
// Run state is keyed by a generated run identifier; every mutation must carry
// the identifier of the currently active run or it is counted and dropped.
// Configuration resolves through four layers (operator force overrides, the
// start request, a standing policy document, built-in defaults) into a frozen
// effective parameter set audited per field.
package tripd
