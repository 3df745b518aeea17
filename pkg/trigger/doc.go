// Package trigger roots the work graph. It polls the configured
// kernel trees, compares each branch head against the most recent
// checkout node, and creates a new running checkout when a fresh
// revision appears outside the frequency window.
package trigger
