// Package scheduler turns node events into new work. It matches
// events against the catalog's scheduler entries, evaluates job rules
// against the originating node, creates the child node and hands the
// rendered job description to the right runtime adapter, with
// duplicate suppression so redelivered events never double-schedule.
package scheduler
