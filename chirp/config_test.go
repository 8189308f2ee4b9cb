// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package chirp

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if !config.Synchronous {
		t.Fatal("default must be synchronous")
	}
	if !config.AutoRelease {
		t.Fatal("default must auto-release")
	}
	if config.Timeout != 5*time.Second {
		t.Fatalf("expected a 5s timeout, got %v", config.Timeout)
	}
}

func TestConfigToEngine(t *testing.T) {
	config := DefaultConfig()
	config.Port = 2998

	ec, err := config.toEngine()
	if err != nil {
		t.Fatal(err)
	}
	if !ec.BindV4.Is4() {
		t.Fatal("BindV4 must parse to an IPv4 address")
	}
	if err := ec.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestConfigBadAddress(t *testing.T) {
	config := DefaultConfig()
	config.BindV4 = "not an address"

	if _, err := config.toEngine(); KindOf(err) != KindValue {
		t.Fatalf("expected a value error, got %v", err)
	}
}
