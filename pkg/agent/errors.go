package agent

import (
	"fmt"

	"github.com/cluvio/agent/pkg/protocol"
)

// mismatchError signals a protocol sequencing violation on a data
// connection: a reply carried an unexpected request id.
type mismatchError struct {
	expected protocol.Id
	actual   protocol.Id
}

func (e *mismatchError) Error() string {
	return fmt.Sprintf("id mismatch: expected %s, got %s", e.expected, e.actual)
}

// unexpectedError signals that a peer sent something else than the message
// the protocol called for.
type unexpectedError struct {
	got  string
	want string
}

func (e *unexpectedError) Error() string {
	return fmt.Sprintf("unexpected %s, want %s", e.got, e.want)
}
