// Package lock implements distributed mutual exclusion on a coordination
// store.
//
// Fair locks queue callers as sequential ephemeral children of the lock
// path; each waiter watches only the node right before it, so a release
// wakes exactly one waiter. Unfair locks contend on a single ephemeral node
// and every waiter retries when it disappears.
//
// A handle serves one attempt at a time and can be reused after Unlock.
// Ephemeral nodes die with the session, which releases the lock of a
// crashed holder without any action from the other callers.
package lock
