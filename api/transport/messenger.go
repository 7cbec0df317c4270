package transport

import "context"

// Messenger moves single messages between MPC parties. Each call carries
// exactly one message; the receiving side gets messages from a given sender
// in the order they were sent.
type Messenger interface {
	// MessageSend sends a message buffer to the specified receiver party.
	MessageSend(ctx context.Context, receiver int, buffer []byte) error

	// MessageReceive receives the next message from the specified sender party.
	MessageReceive(ctx context.Context, sender int) ([]byte, error)

	// MessagesReceive receives one message from each of the sender parties. It
	// waits until all messages are ready and returns them in the same order as
	// the provided senders slice.
	MessagesReceive(ctx context.Context, senders []int) ([][]byte, error)
}
