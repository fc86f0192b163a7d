// Program objwire is a command-line utility for crafting, inspecting, and
// serving object-graph RPC peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/creachadair/command"

	"github.com/objwire/objwire"
	"github.com/objwire/objwire/channel"
	"github.com/objwire/objwire/verb"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for crafting, inspecting, and serving objwire v0 peers.",
		Commands: []*command.C{
			{
				Name:  "pack",
				Usage: "<type> <payload>",
				Help: `Pack a type and a raw payload into a binary objwire packet.

The type is one of REQUEST, CANCEL, RESPONSE, RELEASE, SIGNAL, or a
small integer packet type. The payload is written to stdout verbatim
as the packet body; it is not one of the wire verb payloads, just raw
bytes for probing a peer's framing.`,
				Run: runPack,
			},
			{
				Name:  "unpack",
				Usage: "",
				Help:  "Read a single binary objwire packet from stdin and print its fields.",
				Run:   runUnpack,
			},
			{
				Name:  "probe",
				Usage: "",
				Help:  "Print the fixed wire verb table in its binary and human-readable forms.",
				Run:   runProbe,
			},
			{
				Name:  "serve",
				Usage: "<address>",
				Help:  "Listen on address and serve an empty object-graph session to each connection.",
				Run:   runServe,
			},
			{
				Name:  "dial",
				Usage: "<address>",
				Help:  "Connect to address, perform the start handshake, and print the seed object.",
				Run:   runDial,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func parsePacketType(s string) (objwire.PacketType, error) {
	switch s {
	case "REQUEST":
		return objwire.PacketRequest, nil
	case "CANCEL":
		return objwire.PacketCancel, nil
	case "RESPONSE":
		return objwire.PacketResponse, nil
	case "RELEASE":
		return objwire.PacketRelease, nil
	case "SIGNAL":
		return objwire.PacketSignal, nil
	default:
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid packet type %q", s)
		}
		return objwire.PacketType(n), nil
	}
}

func runPack(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("expected exactly 2 arguments")
	}
	typ, err := parsePacketType(env.Args[0])
	if err != nil {
		return err
	}
	pkt := objwire.Packet{Type: typ, Payload: []byte(env.Args[1])}
	_, err = pkt.WriteTo(os.Stdout)
	return err
}

func runUnpack(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("expected no arguments")
	}
	var pkt objwire.Packet
	if _, err := pkt.ReadFrom(os.Stdin); err != nil {
		return fmt.Errorf("reading packet: %w", err)
	}
	fmt.Println(pkt.String())
	return nil
}

func runProbe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("expected no arguments")
	}
	t := verb.NewTable()
	fmt.Printf("verbs: %v\n", t.Names())
	fmt.Printf("encoded: %x\n", t.Encode())
	return nil
}

func runServe(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected exactly 1 argument, the listen address")
	}
	lst, err := net.Listen("tcp", env.Args[0])
	if err != nil {
		return err
	}
	defer lst.Close()
	fmt.Fprintf(os.Stderr, "listening on %s\n", lst.Addr())
	for {
		conn, err := lst.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		sess := objwire.NewSession(nil)
		sess.Start(channel.IO(conn, conn))
		go func() {
			defer conn.Close()
			sess.Wait()
		}()
	}
}

func runDial(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected exactly 1 argument, the address to dial")
	}
	conn, err := net.Dial("tcp", env.Args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := objwire.NewSession(nil)
	sess.Start(channel.IO(conn, conn))
	defer sess.Stop()

	seed, err := sess.Handshake(context.Background())
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	fmt.Printf("seed: %+v\n", seed)
	return nil
}
