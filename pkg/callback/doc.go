// Package callback is the inbound HTTP surface: labs post job
// completions to /callback/{runtime} with a per-runtime shared
// secret, and users drive checkouts, retries and patchsets through
// /api/* with signed bearer tokens. Deliveries are idempotent via a
// local bbolt record of {runtime}:{job id} keys.
package callback
