package connection

import (
	"context"
	"errors"
	"net/url"

	"github.com/lowband-classroom/backend/internal/models"
)

// ErrConnClosed is returned by a Conn used after Close.
var ErrConnClosed = errors.New("connection: transport closed")

// Identity is the caller-supplied participant identity sent with every connection.
type Identity struct {
	ParticipantID string
	Role          models.Role
	DisplayName   string
}

func (id Identity) query() url.Values {
	q := url.Values{}
	q.Set("participant_id", id.ParticipantID)
	q.Set("role", string(id.Role))
	if id.DisplayName != "" {
		q.Set("display_name", id.DisplayName)
	}
	return q
}

// Dialer opens one transport connection.
type Dialer interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
}

// Conn is an established transport. Send must not block: it hands the message to a
// buffered writer and fails if the buffer is full. Receive blocks for the next inbound
// message and returns an error once the transport is gone.
type Conn interface {
	Send(msg models.Message) error
	Receive() (models.Message, error)
	Close() error
}

// ServerClosedError reports a server-initiated close (a bye message).
type ServerClosedError struct {
	Reason string
}

func (e *ServerClosedError) Error() string {
	return "connection: closed by server: " + e.Reason
}
