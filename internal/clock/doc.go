// Package clock provides the time source used by components that own timers.
//
// The token manager arms a proactive refresh timer and the session registry
// arms per-session thinking timeouts. Both take a Clock so tests can drive
// expiry deterministically with Fake instead of sleeping.
package clock
