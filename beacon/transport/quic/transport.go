// Package quic carries backend traffic over HTTP/3.
package quic

import (
	"errors"
	"net"
	"net/http"
	"time"

	q "github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const defaultIdleTimeout = 30 * time.Second

func quicConfig() *q.Config {
	return &q.Config{MaxIdleTimeout: defaultIdleTimeout}
}

// NewRoundTripper returns an HTTP/3 round tripper. Close it when done.
func NewRoundTripper(insecure bool) *http3.Transport {
	return &http3.Transport{
		TLSClientConfig: NewClientTLSConfig(insecure),
		QUICConfig:      quicConfig(),
	}
}

// NewHTTPClient wraps NewRoundTripper in an http.Client.
func NewHTTPClient(insecure bool, timeout time.Duration) *http.Client {
	return &http.Client{Transport: NewRoundTripper(insecure), Timeout: timeout}
}

// Server serves an http.Handler over HTTP/3.
type Server struct {
	inner *http3.Server
	conn  net.PacketConn
	done  chan error
}

// Listen starts serving handler on the UDP address addr.
func Listen(addr string, handler http.Handler) (*Server, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tlsConf, err := NewServerTLSConfig(host)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		inner: &http3.Server{Handler: handler, TLSConfig: tlsConf, QUICConfig: quicConfig()},
		conn:  conn,
		done:  make(chan error, 1),
	}
	go func() { s.done <- s.inner.Serve(conn) }()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// URL returns the https base URL of the server.
func (s *Server) URL() string { return "https://" + s.Addr().String() }

func (s *Server) Close() error {
	err := s.inner.Close()
	if cerr := s.conn.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	<-s.done
	return err
}
