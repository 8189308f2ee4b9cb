// SPDX-FileCopyrightText: 2021, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wsengine

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/concretecloud/chirp-go/engine"
)

const (
	// msgHello is a helloMessage type code, uint 0.
	msgHello uint64 = 0

	// msgEnvelope is an envelopeMessage type code, uint 1.
	msgEnvelope uint64 = 1

	// msgAck is an ackMessage type code, uint 2.
	msgAck uint64 = 2
)

// messageType is an implementation of a wire message, identified by its
// type code.
type messageType interface {
	typeCode() uint64

	fmt.Stringer
	cboring.CborMarshaler
}

// message is the frame exchanged between two wsengine endpoints: a type
// code followed by the type specific representation.
type message struct {
	messageType messageType
}

func (m message) String() string {
	return m.messageType.String()
}

// MarshalCbor creates a CBOR array of two elements: type code followed by
// the messageType representation.
func (m *message) MarshalCbor(w io.Writer) (err error) {
	if err = cboring.WriteArrayLength(2, w); err != nil {
		return
	}

	if err = cboring.WriteUInt(m.messageType.typeCode(), w); err != nil {
		return
	}
	if err = cboring.Marshal(m.messageType, w); err != nil {
		return
	}

	return
}

// UnmarshalCbor a CBOR array back to a message.
func (m *message) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 2 {
		return fmt.Errorf("message expected array of length 2, got %d", n)
	}

	if typeCode, typeErr := cboring.ReadUInt(r); typeErr != nil {
		return typeErr
	} else {
		switch typeCode {
		case msgHello:
			m.messageType = new(helloMessage)
		case msgEnvelope:
			m.messageType = new(envelopeMessage)
		case msgAck:
			m.messageType = new(ackMessage)
		default:
			return fmt.Errorf("message type code %d is undefined", typeCode)
		}

		if err = cboring.Unmarshal(m.messageType, r); err != nil {
			return
		}
	}

	return
}

// helloMessage is exchanged once per direction after a connection was
// established, announcing the peer's engine identity and listen port.
type helloMessage struct {
	Identity [engine.IdentitySize]byte
	Port     uint16
}

func (hm *helloMessage) typeCode() uint64 {
	return msgHello
}

func (hm *helloMessage) String() string {
	return fmt.Sprintf("helloMessage(%x, port=%d)", hm.Identity, hm.Port)
}

func (hm *helloMessage) MarshalCbor(w io.Writer) (err error) {
	if err = cboring.WriteArrayLength(2, w); err != nil {
		return
	}

	if err = cboring.WriteByteString(hm.Identity[:], w); err != nil {
		return
	}
	if err = cboring.WriteUInt(uint64(hm.Port), w); err != nil {
		return
	}

	return
}

func (hm *helloMessage) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 2 {
		return fmt.Errorf("helloMessage expected array of length 2, got %d", n)
	}

	var id []byte
	if id, err = cboring.ReadByteString(r); err != nil {
		return
	} else if len(id) != engine.IdentitySize {
		return fmt.Errorf("helloMessage identity must be %d bytes, got %d", engine.IdentitySize, len(id))
	}
	copy(hm.Identity[:], id)

	var port uint64
	if port, err = cboring.ReadUInt(r); err != nil {
		return
	} else if port > 65535 {
		return fmt.Errorf("helloMessage port %d overflows", port)
	}
	hm.Port = uint16(port)

	return
}

// envelopeMessage carries one chirp message. WantAck requests an
// ackMessage once the receiver released the message's slot.
type envelopeMessage struct {
	Identity [engine.IdentitySize]byte
	Serial   uint32
	Header   []byte
	Data     []byte
	WantAck  bool
}

func (em *envelopeMessage) typeCode() uint64 {
	return msgEnvelope
}

func (em *envelopeMessage) String() string {
	return fmt.Sprintf("envelopeMessage(%x, serial=%d, %d bytes)", em.Identity, em.Serial, len(em.Data))
}

func (em *envelopeMessage) MarshalCbor(w io.Writer) (err error) {
	if err = cboring.WriteArrayLength(5, w); err != nil {
		return
	}

	if err = cboring.WriteByteString(em.Identity[:], w); err != nil {
		return
	}
	if err = cboring.WriteUInt(uint64(em.Serial), w); err != nil {
		return
	}
	if err = cboring.WriteByteString(em.Header, w); err != nil {
		return
	}
	if err = cboring.WriteByteString(em.Data, w); err != nil {
		return
	}
	if err = cboring.WriteBoolean(em.WantAck, w); err != nil {
		return
	}

	return
}

func (em *envelopeMessage) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 5 {
		return fmt.Errorf("envelopeMessage expected array of length 5, got %d", n)
	}

	var id []byte
	if id, err = cboring.ReadByteString(r); err != nil {
		return
	} else if len(id) != engine.IdentitySize {
		return fmt.Errorf("envelopeMessage identity must be %d bytes, got %d", engine.IdentitySize, len(id))
	}
	copy(em.Identity[:], id)

	var serial uint64
	if serial, err = cboring.ReadUInt(r); err != nil {
		return
	} else if serial > 0xFFFFFFFF {
		return fmt.Errorf("envelopeMessage serial %d overflows", serial)
	}
	em.Serial = uint32(serial)

	if em.Header, err = cboring.ReadByteString(r); err != nil {
		return
	}
	if em.Data, err = cboring.ReadByteString(r); err != nil {
		return
	}
	if em.WantAck, err = cboring.ReadBoolean(r); err != nil {
		return
	}

	return
}

// ackMessage acknowledges a released envelopeMessage back to its sender.
type ackMessage struct {
	Identity [engine.IdentitySize]byte
	Serial   uint32
}

func (am *ackMessage) typeCode() uint64 {
	return msgAck
}

func (am *ackMessage) String() string {
	return fmt.Sprintf("ackMessage(%x, serial=%d)", am.Identity, am.Serial)
}

func (am *ackMessage) MarshalCbor(w io.Writer) (err error) {
	if err = cboring.WriteArrayLength(2, w); err != nil {
		return
	}

	if err = cboring.WriteByteString(am.Identity[:], w); err != nil {
		return
	}
	if err = cboring.WriteUInt(uint64(am.Serial), w); err != nil {
		return
	}

	return
}

func (am *ackMessage) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 2 {
		return fmt.Errorf("ackMessage expected array of length 2, got %d", n)
	}

	var id []byte
	if id, err = cboring.ReadByteString(r); err != nil {
		return
	} else if len(id) != engine.IdentitySize {
		return fmt.Errorf("ackMessage identity must be %d bytes, got %d", engine.IdentitySize, len(id))
	}
	copy(am.Identity[:], id)

	var serial uint64
	if serial, err = cboring.ReadUInt(r); err != nil {
		return
	} else if serial > 0xFFFFFFFF {
		return fmt.Errorf("ackMessage serial %d overflows", serial)
	}
	am.Serial = uint32(serial)

	return
}
