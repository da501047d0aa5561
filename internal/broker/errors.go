package broker

import "errors"

var (
	// ErrClientCreation means a writer or reader could not be set up. Fatal at startup.
	ErrClientCreation = errors.New("kafka client creation failed")
	// ErrMessageSend means a publish failed or timed out.
	ErrMessageSend = errors.New("kafka message send failed")
	// ErrMessageDelivery means a handler kept failing after all retries.
	ErrMessageDelivery = errors.New("kafka message delivery failed")
)
