// Package syncbuf holds the per-channel sample buffers that sit between the
// asynchronous inertial/pose delivery paths and the frame path, together with
// the closest-timestamp matcher used to pair samples with frames.
//
// A Buffer is the only state shared between the delivery goroutines and the
// frame loop. Producers only Push; the frame loop only Matches and prunes.
// Every operation takes the buffer's own lock, so no caller ever iterates
// entries while another goroutine mutates them.
package syncbuf
