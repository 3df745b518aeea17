// Package result owns the verdict logic of the pipeline: rolling
// child results up into parent verdicts, turning runtime payloads
// into node subtrees, recording pass-to-fail regressions against the
// fingerprint history and spawning retry siblings for flaky builds
// and boots.
package result
