// Package log wraps zerolog with kite's logging conventions: a global
// logger initialized once at startup from the settings file, and child
// loggers tagged per service, node or runtime. Services log for the
// operator only; the sole failure channel visible to other services is
// a node state transition in the state store.
package log
