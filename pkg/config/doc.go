/*
Package config loads the static catalog every kite service consumes at
startup: watched trees and build configs, platform and runtime
definitions, job definitions with their eligibility rules, and the
scheduler entries binding event patterns to (job, runtime, platforms)
triples. A separate secrets file carries per-runtime shared tokens,
the user-token signing secret and downstream sink credentials.

Decoding is strict: unknown fields and dangling catalog references
abort startup. Running services never reload configuration.
*/
package config
