// Package pipeline coordinates the tracking front end.
//
// An Orchestrator owns one channel buffer per auxiliary sensor (inertial
// samples and pose priors) and consumes frames on a dedicated goroutine. For
// every frame it matches the closest inertial sample and pose prior inside the
// configured delay window, expresses both in the working frame, drives the
// tracking back end and hands the result to the publish gateway without
// waiting on it.
//
// The tracker, map and publisher sit behind the interfaces in this package so
// the orchestrator can be exercised with the reference back end in
// internal/backend or with test doubles.
package pipeline
