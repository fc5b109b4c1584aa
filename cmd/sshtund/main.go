// Command sshtund runs the secure session engine as a standalone daemon or
// client, mainly for interop smoke testing. A server listens on TCP or
// HTTP/WebSocket and answers "echo" channels; a client dials, opens an echo
// channel, and round-trips a message.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshcore/pkg/sshmux"
	"github.com/sammck-go/sshcore/pkg/sshsession"
	"github.com/sammck-go/sshcore/pkg/wstransport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sshtund: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to TOML config file")
		listenAddr = flag.String("listen", "", "serve sessions on this TCP address")
		wsListen   = flag.String("ws-listen", "", "serve sessions over WebSocket on this HTTP address")
		dialAddr   = flag.String("dial", "", "connect to a TCP server at this address")
		wsDial     = flag.String("ws-dial", "", "connect to a WebSocket server at this URL")
		logLevel   = flag.String("log-level", "info", "log level (error, warning, info, debug, trace)")
	)
	flag.Parse()

	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.StringToLogLevel(*logLevel)),
		logger.WithPrefix("sshtund"),
	)
	if err != nil {
		return err
	}

	var cfg *sshsession.Config
	if *configPath != "" {
		cfg, err = sshsession.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	m, err := sshsession.NewManager(lg, cfg, nil)
	if err != nil {
		return err
	}
	defer m.Shutdown(nil)

	switch {
	case *listenAddr != "":
		return serveTCP(m, *listenAddr)
	case *wsListen != "":
		return serveWebSocket(lg, m, *wsListen)
	case *dialAddr != "":
		conn, err := net.Dial("tcp", *dialAddr)
		if err != nil {
			return err
		}
		return runClient(m, conn)
	case *wsDial != "":
		conn, err := wstransport.DialWebSocket(context.Background(), lg, *wsDial, wstransport.DialConfig{})
		if err != nil {
			return err
		}
		return runClient(m, conn)
	}
	flag.Usage()
	return fmt.Errorf("one of -listen, -ws-listen, -dial or -ws-dial is required")
}

// registerEcho installs the echo channel type: everything written to the
// channel comes back, byte for byte.
func registerEcho(m *sshsession.Manager) {
	m.RegisterChannelType("echo", func(ch *sshmux.Channel, payload []byte) error {
		go func() {
			io.Copy(ch, ch)
			ch.Close()
		}()
		return nil
	})
}

func serveTCP(m *sshsession.Manager, addr string) error {
	registerEcho(m)
	if err := m.GenerateHostKeys(); err != nil {
		return err
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.ILogf("Serving sessions on tcp %s", addr)
	return m.ServeListener(l)
}

func serveWebSocket(lg logger.Logger, m *sshsession.Manager, addr string) error {
	registerEcho(m)
	if err := m.GenerateHostKeys(); err != nil {
		return err
	}
	h := &wstransport.Handler{
		Logger: lg,
		Serve: func(conn net.Conn) {
			s := m.NewServerSession(conn)
			s.Run()
		},
	}
	m.ILogf("Serving sessions on ws %s", addr)
	return http.ListenAndServe(addr, h)
}

func runClient(m *sshsession.Manager, conn net.Conn) error {
	s := m.NewClientSession(conn)
	go s.Run()

	select {
	case <-s.EstablishedChan():
	case <-s.ShutdownStartedChan():
		return s.WaitShutdown()
	}
	m.ILogf("Session established with %s", s.RemoteVersion())

	ch, err := s.OpenChannel("echo", nil)
	if err != nil {
		return err
	}
	msg := []byte("round trip check")
	if _, err := ch.Write(msg); err != nil {
		return err
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(ch, buf); err != nil {
		return err
	}
	m.ILogf("Echo round trip ok: %q", buf)
	ch.Close()
	return s.Close()
}
