// Package engine drives per-device ratchet sessions: building them
// from published bundles or incoming key exchanges, and wrapping or
// unwrapping the per-device envelope secrets. One lock serializes all
// session mutations; throughput is bounded by I/O, not by the ratchet
// math.
package engine
