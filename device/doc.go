// Package device derives device fingerprints and trust levels from request
// metadata and flags anomalous device changes.
//
// The analysis is a heuristic, best-effort signal: classification is
// case-insensitive substring matching over the user agent, trust escalates
// with recorded usage, and risk is raised for fingerprints never seen for a
// user who has other devices on record. It informs step-up verification
// decisions and never hard-fails a login on its own; backend failures
// degrade to an unknown-trust, no-risk verdict.
package device
