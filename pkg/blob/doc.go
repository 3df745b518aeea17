// Package blob is the client for the content-addressed artifact
// store. Object keys embed a blake3 digest of the content, which
// makes uploads idempotent: interrupted pushes can be retried without
// coordination and identical content lands on the same public URL.
package blob
