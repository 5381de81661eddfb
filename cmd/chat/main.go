package main

// Usage:
//   chat -id N [-delay MS] [-drop RATE] [-v] CONFIGFILE
//
// CONFIGFILE is a TOML file with the group's address table:
//
//   hosts = ["127.0.0.1:9000", "127.0.0.1:9001", "127.0.0.1:9002"]
//
// Process id N binds hosts[N]. Run one chat per id, type lines, and watch
// them arrive everywhere in causal order.

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/bobg/cbcast"
)

func main() {
	var (
		id      = flag.Int("id", 0, "this process's id (index into hosts)")
		delay   = flag.Int("delay", 500, "artificial send delay bound in milliseconds (actual delay is uniform in [0, 2*delay))")
		drop    = flag.Float64("drop", 0, "probability of dropping an outbound packet")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		log.Fatal("usage: chat -id N [-delay MS] [-drop RATE] [-v] CONFIGFILE")
	}

	var conf struct {
		Hosts []string
	}
	if _, err := toml.DecodeFile(flag.Arg(0), &conf); err != nil {
		log.Fatal(err)
	}
	if *id < 0 || *id >= len(conf.Hosts) {
		log.Fatalf("id %d out of range: config lists %d hosts", *id, len(conf.Hosts))
	}

	peers := make([]net.Addr, len(conf.Hosts))
	for i, h := range conf.Hosts {
		addr, err := net.ResolveUDPAddr("udp", h)
		if err != nil {
			log.Fatalf("resolving host %d (%s): %s", i, h, err)
		}
		peers[i] = addr
	}

	conn, err := net.ListenUDP("udp", peers[*id].(*net.UDPAddr))
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	logger := zap.NewNop()
	if *verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatal(err)
		}
		defer logger.Sync()
	}

	node := cbcast.NewNode(
		cbcast.NodeID(*id),
		conn,
		peers,
		time.Duration(*delay)*time.Millisecond,
		*drop,
		func(from cbcast.NodeID, payload string) {
			fmt.Printf("%d says: %s\n", from, payload)
		},
	)
	node.Logger = logger

	go node.Run(context.Background())

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if err := node.Send(sc.Text()); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	if err := sc.Err(); err != nil {
		log.Fatal(err)
	}
}
