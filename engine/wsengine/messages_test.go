// SPDX-FileCopyrightText: 2021, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wsengine

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/dtn7/cboring"
)

func TestMessageCodec(t *testing.T) {
	em := &envelopeMessage{
		Serial:  23,
		Header:  []byte{0x01},
		Data:    []byte("hello world"),
		WantAck: true,
	}
	em.Identity[0] = 0x42

	var buf bytes.Buffer
	if err := cboring.Marshal(&message{em}, &buf); err != nil {
		t.Fatal(err)
	}

	var m message
	if err := cboring.Unmarshal(&m, &buf); err != nil {
		t.Fatal(err)
	}

	got, ok := m.messageType.(*envelopeMessage)
	if !ok {
		t.Fatalf("expected an envelopeMessage, got %v", m)
	}
	if !reflect.DeepEqual(got, em) {
		t.Fatalf("expected %v, got %v", em, got)
	}
}

func TestMessageCodecHello(t *testing.T) {
	hm := &helloMessage{Port: 2998}
	hm.Identity[15] = 0xFF

	var buf bytes.Buffer
	if err := cboring.Marshal(&message{hm}, &buf); err != nil {
		t.Fatal(err)
	}

	var m message
	if err := cboring.Unmarshal(&m, &buf); err != nil {
		t.Fatal(err)
	}

	got, ok := m.messageType.(*helloMessage)
	if !ok {
		t.Fatalf("expected a helloMessage, got %v", m)
	}
	if *got != *hm {
		t.Fatalf("expected %v, got %v", hm, got)
	}
}

func TestMessageCodecUnknownType(t *testing.T) {
	var buf bytes.Buffer
	if err := cboring.WriteArrayLength(2, &buf); err != nil {
		t.Fatal(err)
	}
	if err := cboring.WriteUInt(9, &buf); err != nil {
		t.Fatal(err)
	}

	var m message
	if err := cboring.Unmarshal(&m, &buf); err == nil {
		t.Fatal("an undefined type code must not decode")
	}
}
