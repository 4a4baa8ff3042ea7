// Package readiness waits for one-shot dependencies.
//
// A Barrier is a polling predicate over an external signal. Await polls it
// immediately and then on every interval until it reports ready or the
// context ends. There is no timeout: a slow dependency means a longer wait,
// never a crash loop.
//
// FileBarrier is ready once a file exists and holds non-whitespace content.
// AwaitToken combines the two to block ingestion until the minted token
// has been published.
package readiness
