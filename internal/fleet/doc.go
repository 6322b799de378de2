// Package fleet holds the control plane's belief about which game-server
// instances are running, and the reconciliation that keeps it honest.
//
// # Store
//
// Store maps instance name to an Instance record (status, owning agent
// token, current session id, notification reference). All access goes
// through its methods; callers receive copies.
//
// # Reconciliation
//
// Reconciler.Reconcile runs once per agent handshake with the agent's
// self-reported running set:
//
//   - First sync (nothing believed running for the agent): stale records
//     for the agent are deleted and the report is taken as ground truth.
//   - Reconnect: believed-but-unreported instances become stopped,
//     reported-but-unbelieved instances get a stop command, and instances in
//     both keep running under the new session id.
//
// Records are never deleted by reconciliation outside the first-sync case.
package fleet
