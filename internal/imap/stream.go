package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// MessageStream is a lazy, finite, non-restartable sequence of fetched
// messages. The caller iterates with Next until it returns false, checks
// Err, and then calls Close to release the session.
type MessageStream struct {
	messages  chan *imap.Message
	done      chan error
	threadIDs map[uint32]string
	client    *client.Client
	err       error
	finished  bool
}

// emptyStream returns an already-exhausted stream.
func emptyStream() *MessageStream {
	messages := make(chan *imap.Message)
	close(messages)
	done := make(chan error, 1)
	done <- nil
	return &MessageStream{messages: messages, done: done, finished: true}
}

// Next returns the next fetched message, or false when the stream is
// exhausted.
func (s *MessageStream) Next() (*FetchedMessage, bool) {
	msg, ok := <-s.messages
	if !ok {
		if !s.finished {
			s.finished = true
			if err := <-s.done; err != nil {
				s.err = fmt.Errorf("fetch stream failed: %w", err)
			}
		}
		return nil, false
	}

	return &FetchedMessage{
		UID:              msg.Uid,
		ProviderThreadID: s.threadIDs[msg.Uid],
		Message:          msg,
	}, true
}

// Err returns the terminal error of the stream, if any. Only meaningful
// after Next has returned false.
func (s *MessageStream) Err() error {
	return s.err
}

// Close drains the stream and logs out of the session. Safe to call more
// than once.
func (s *MessageStream) Close() {
	for {
		if _, ok := s.Next(); !ok {
			break
		}
	}
	if s.client != nil {
		logout(s.client)
		s.client = nil
	}
}
