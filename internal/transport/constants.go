package transport

import "time"

// HeartbeatInterval is the receiver's periodic Ack cadence (spec.md §5).
const HeartbeatInterval = 50 * time.Millisecond

// teardownWindow is the fixed window both ends wait before exiting after
// completion: the receiver keeps sending heartbeat Acks for it, the sender
// sleeps for it before declaring DONE (spec.md §4.6, §5).
const teardownWindow = 2 * HeartbeatInterval
