package cbcast

import (
	"fmt"

	"github.com/davecgh/go-xdr/xdr"
	"github.com/pkg/errors"
)

// MaxDatagram is the largest encoded envelope the protocol permits. An
// envelope must fit in one unfragmented datagram; there is no segmentation.
const MaxDatagram = 2048

// MsgID identifies a message within its originator's send sequence. IDs are
// strictly increasing per originator and correlate an acknowledgement with
// the send it answers.
type MsgID int32

// Env is the envelope of a chat protocol message. A data envelope carries
// the originator's vector timestamp as of the send and the payload; an
// acknowledgement (Ack true) reuses V and C to name the send being
// acknowledged, and its T and P are ignored by receivers.
type Env struct {
	V   NodeID
	C   MsgID
	Ack bool
	T   VClock
	P   string
}

// Bytes encodes e for the wire. It errors if the encoding exceeds
// MaxDatagram.
func (e *Env) Bytes() ([]byte, error) {
	b, err := xdr.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encoding envelope")
	}
	if len(b) > MaxDatagram {
		return nil, errors.Errorf("envelope is %d bytes, limit is %d", len(b), MaxDatagram)
	}
	return b, nil
}

// ParseEnv decodes one envelope from b.
func ParseEnv(b []byte) (*Env, error) {
	var e Env
	if _, err := xdr.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "decoding envelope")
	}
	return &e, nil
}

func (e *Env) String() string {
	if e.Ack {
		return fmt.Sprintf("(V=%d C=%d ack)", e.V, e.C)
	}
	return fmt.Sprintf("(V=%d C=%d T=%s P=%q)", e.V, e.C, e.T, e.P)
}
