/*
Package types defines the data model shared by all kite services.

The central entity is the Node: one vertex of the hierarchical work
graph rooted at a checkout (source revision), with kbuild, job, test
and process nodes beneath it. Nodes are persisted exclusively in the
external state store; this package only defines their shape and the
lifecycle rules every service must respect:

	running ──> available ──> closing ──> done
	    └──────────────────────────────────┘

A node's state never regresses, and a node in closing or done state
accepts no new children. Terminal nodes carry exactly one of the
pass/fail/skip/incomplete results, immutable once set.

Event is the pub/sub payload emitted for every node create or update.
It deliberately duplicates the routing fields (kind, name, state,
result, tree, branch) so subscribers can match without a store
round-trip.
*/
package types
