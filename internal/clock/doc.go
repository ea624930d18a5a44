// Package clock provides the time source used for last-access tracking and
// inactivity eviction, so tests can drive time deterministically.
package clock
