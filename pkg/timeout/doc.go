// Package timeout drives the back half of the node lifecycle. A
// periodic sweep expires nodes past their deadline, closes available
// parents once their holdoff elapses and finishes closing parents
// whose children have all settled, aggregating child results into the
// parent verdict.
package timeout
