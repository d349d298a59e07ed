// Package backend is a reference tracking back end: a dead-reckoning tracker
// that follows pose priors and integrates inertial rates between them, and an
// in-memory keyframe map. It exists for dev mode, replay and tests; it makes
// no attempt at visual tracking.
package backend
