// Package dedupe remembers the outcome of idempotent requests for a limited
// time so that retried requests can be answered without repeating them.
package dedupe
