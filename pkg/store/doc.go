/*
Package store is the client for the external state store, the single
source of truth for all pipeline nodes.

The Store interface exposes CRUD plus list queries with the store's
field-operator grammar (__gt, __lt, __ne, __re and dotted data paths).
State transitions are linearized by the store through If-Match style
preconditions: Update with a non-empty expected state fails with
ErrConflict when another writer advanced the node first, and the
caller re-reads and reconciles. Every transition routine in kite is
written to be idempotent for exactly this reason.

Client is the production REST implementation. Memory is the test
double, enforcing the same preconditions (CAS, monotone lifecycle,
immutable terminal results, no children under closing parents) so
service tests exercise real conflict paths.
*/
package store
