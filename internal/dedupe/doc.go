// Package dedupe tracks keys whose work must happen at most once per
// lifetime, such as one history request per session per channel connection.
// Markers are forgotten one at a time when the work fails and should be
// retried, or reset wholesale when the lifetime ends.
package dedupe
