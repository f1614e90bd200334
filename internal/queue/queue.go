// Package queue implements a distributed FIFO queue recipe on top of a
// ZooKeeper-like coordination service.
//
// A Producer appends payloads as persistent sequential children of a queue
// root. A Consumer claims the oldest child by reading it and then deleting
// it; the first consumer whose delete succeeds owns the payload, so an item
// is delivered at most once even when many consumers race for it.
package queue

// Item is a payload claimed from the queue.
type Item struct {
	// Name is the node name, e.g. "queue-0000000042".
	Name string

	// Seq is the numeric order key parsed from Name.
	Seq uint64

	// Payload is the node data, exactly as the producer stored it.
	Payload []byte
}

// String returns the payload as text.
func (i Item) String() string {
	return string(i.Payload)
}
