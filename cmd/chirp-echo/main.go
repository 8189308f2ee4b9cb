// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// chirp-echo listens for chirp messages and sends each one back to its
// origin, which also answers requests. Configured by a TOML file.
package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/concretecloud/chirp-go/adapter"
	"github.com/concretecloud/chirp-go/chirp"
	"github.com/concretecloud/chirp-go/engine/wsengine"
)

// tomlConfig maps the configuration file.
type tomlConfig struct {
	LogLevel string       `toml:"log-level"`
	Listen   listenConfig `toml:"listen"`
}

type listenConfig struct {
	Port              uint16 `toml:"port"`
	Timeout           string `toml:"timeout"`
	Synchronous       bool   `toml:"synchronous"`
	MaxSlots          int    `toml:"max-slots"`
	CertChain         string `toml:"cert-chain"`
	DisableEncryption bool   `toml:"disable-encryption"`
}

func parseConfig(path string) (config chirp.Config, err error) {
	tc := tomlConfig{
		Listen: listenConfig{
			Port:        2998,
			Synchronous: true,
		},
	}
	if _, err = toml.DecodeFile(path, &tc); err != nil {
		return
	}

	if tc.LogLevel != "" {
		var level log.Level
		if level, err = log.ParseLevel(tc.LogLevel); err != nil {
			return
		}
		log.SetLevel(level)
	}

	config = chirp.DefaultConfig()
	config.Port = tc.Listen.Port
	config.Synchronous = tc.Listen.Synchronous
	config.MaxSlots = tc.Listen.MaxSlots
	config.CertChainPEM = tc.Listen.CertChain
	config.DisableEncryption = tc.Listen.DisableEncryption || tc.Listen.CertChain == ""

	if tc.Listen.Timeout != "" {
		if config.Timeout, err = time.ParseDuration(tc.Listen.Timeout); err != nil {
			return
		}
	}

	return
}

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func echo(msg *chirp.Message) {
	log.WithFields(log.Fields{
		"from":  msg.Address(),
		"bytes": len(msg.Data),
	}).Info("Echoing message")

	fut, err := msg.Session().Send(msg)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Echo send failed")
		return
	}
	if _, err := fut.Result(0); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Echo send failed")
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	config, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	loop := chirp.NewLoop()
	if err := loop.Run(); err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("Failed to start loop")
	}

	handler, err := adapter.NewHandler(loop, config, wsengine.New(), echo)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("Failed to start endpoint")
	}

	waitSigint()
	log.Info("Shutting down..")

	if err := handler.Stop(); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Shutdown reported an error")
	}
	if err := loop.Stop(); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Stopping the loop reported an error")
	}
}
