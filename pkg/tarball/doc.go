// Package tarball turns fresh checkout nodes into downloadable source
// archives. It keeps one bare git mirror per tree, exports the commit
// with git archive, uploads the result to the blob store and flips the
// checkout to available with a holdoff grace period.
package tarball
