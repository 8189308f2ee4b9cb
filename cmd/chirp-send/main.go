// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// chirp-send reads data from stdin and sends it as one chirp message.
// With -request it waits for the correlated reply and prints its payload.
//
//	chirp-send -addr 127.0.0.1 -port 2998 <<< "hello world"
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/concretecloud/chirp-go/chirp"
	"github.com/concretecloud/chirp-go/engine/wsengine"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1", "destination address")
		port      = flag.Uint("port", 2998, "destination port")
		listen    = flag.Uint("listen", 2997, "local listen port")
		timeout   = flag.Duration("timeout", 5*time.Second, "send and request timeout")
		request   = flag.Bool("request", false, "wait for the correlated reply and print its payload")
		certChain = flag.String("cert-chain", "", "PEM file holding CA certificate, certificate and key")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("Failed to read data from stdin")
	}

	config := chirp.DefaultConfig()
	config.Port = uint16(*listen)
	config.Timeout = *timeout
	config.CertChainPEM = *certChain
	config.DisableEncryption = *certChain == ""

	loop := chirp.NewLoop()
	if err := loop.Run(); err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("Failed to start loop")
	}

	session, err := chirp.NewSession(loop, config, wsengine.New(), nil)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("Failed to start endpoint")
	}

	msg := chirp.NewMessage()
	msg.Data = data
	msg.Port = uint16(*port)
	if err := msg.SetAddress(*addr); err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("Invalid destination address")
	}

	if *request {
		rf, reqErr := session.Request(msg, true)
		if reqErr != nil {
			log.WithFields(log.Fields{"error": reqErr}).Fatal("Request failed")
		}

		reply, replyErr := rf.Result(0)
		if replyErr != nil {
			log.WithFields(log.Fields{"error": replyErr}).Fatal("Request failed")
		}
		fmt.Printf("%s\n", reply.Data)
	} else {
		fut, sendErr := session.Send(msg)
		if sendErr != nil {
			log.WithFields(log.Fields{"error": sendErr}).Fatal("Send failed")
		}
		if _, resErr := fut.Result(0); resErr != nil {
			log.WithFields(log.Fields{"error": resErr}).Fatal("Send failed")
		}
	}

	if err := session.Stop(); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Shutdown reported an error")
	}
	if err := loop.Stop(); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Stopping the loop reported an error")
	}
}
