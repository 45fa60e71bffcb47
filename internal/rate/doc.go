// Package rate implements fixed-window rate limiting and failed-attempt
// lockout counters over Redis. Counters are created by atomic INCR with a
// first-writer TTL, so windows are bounded even under concurrent first hits.
package rate
