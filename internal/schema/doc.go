// Package schema provides the data structures for queued board mutations.
//
// A mutation is one locally-made edit to a shared board record, held in the
// offline queue until the sync layer submits it to the remote authority.
// Mutations are keyed by (board, view): every board view keeps its own
// independent queue, so a kanban view and a calendar view of the same board
// sync without interfering with each other.
//
// The payload of a mutation is opaque to the queue. The queue only needs the
// target item, the base version the client assumed when it produced the edit,
// and enough bookkeeping (status, attempts, conflict) to drive sync and
// conflict resolution.
//
// Mutations also have a JSON file representation used by the spool directory:
// external tooling can drop one mutation per file into .offboard/spool/ and
// the daemon enqueues them. See ReadMutationFile and WriteMutationFile.
package schema
