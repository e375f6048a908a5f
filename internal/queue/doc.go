// Package queue batches the engine's outgoing to-device payloads into
// caller-deliverable requests. Each batch carries a stable idempotency
// token: re-draining before acknowledgement returns the same batches, and
// acknowledging a token twice has no further effect.
package queue
