// Package saga runs reservation-based sagas: reserve a subject in one turn,
// move value through a remote Transferer between turns, then commit or roll
// back in a final turn.
//
//	Requested+Reserved ──transfer ok──▶ Committed
//	        │
//	        └──declined / call failed──▶ RolledBack
//
// Reserve never waits on a remote call, so two claims resolved on the same
// actor can never both reserve a subject. A transfer that succeeded but whose
// bookkeeping could not be written is reported as FinalizeFailedError and is
// never rolled back.
package saga
