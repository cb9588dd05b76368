package domain

import "errors"

// Admission and codec failures are returned synchronously to the chat
// caller and never enter the pipeline. Worker-side failures travel inside
// the WorkItem instead, via its ErrorMessage field.
var (
	ErrUnsupportedSurface = errors.New("unsupported channel")
	ErrInFlightExceeded   = errors.New("maximum in flight generations hit")
	ErrQueueFull          = errors.New("work queue is at maximum size")
	ErrBadImage           = errors.New("unable to retrieve image")
	ErrOOMPredicted       = errors.New("parameters exceed pixel budget")
	ErrMalformedAck       = errors.New("malformed ack message")
)
