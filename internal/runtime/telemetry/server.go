package telemetry

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"
)

// Server serves one handler on TCP and, optionally, HTTP/3.
type Server struct {
	handler http.Handler
	logger  *log.Logger

	tcp *http.Server

	h3     *http3.Server
	h3conn net.PacketConn
	h3done chan struct{}
}

// NewServer returns a server for h. A nil logger discards output.
func NewServer(h http.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{handler: h, logger: logger}
}

// ListenTCP starts plain HTTP on addr and returns the bound address.
func (s *Server) ListenTCP(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.tcp = &http.Server{Handler: s.handler, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		_ = s.tcp.Serve(ln)
	}()
	bound := ln.Addr().String()
	s.logger.Printf("[telemetry] serving http on %s", bound)
	return bound, nil
}

// ListenHTTP3 starts HTTP/3 on the UDP addr and returns the bound address.
// A nil tlsCfg gets a throwaway certificate for the loopback interface.
func (s *Server) ListenHTTP3(addr string, tlsCfg *tls.Config) (string, error) {
	if tlsCfg == nil {
		var err error
		if tlsCfg, err = loopbackTLS(); err != nil {
			return "", err
		}
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return "", err
	}
	s.h3 = &http3.Server{Handler: s.handler, TLSConfig: http3.ConfigureTLSConfig(tlsCfg)}
	s.h3conn = conn
	s.h3done = make(chan struct{})
	go func() {
		defer close(s.h3done)
		_ = s.h3.Serve(conn)
	}()
	bound := conn.LocalAddr().String()
	s.logger.Printf("[telemetry] serving http3 on %s", bound)
	return bound, nil
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	if s.tcp != nil {
		g.Go(func() error { return s.tcp.Shutdown(ctx) })
	}
	if s.h3 != nil {
		g.Go(func() error {
			err := s.h3.Close()
			_ = s.h3conn.Close()
			select {
			case <-s.h3done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return err
		})
	}
	return g.Wait()
}

// LoadTLS reads the certificate and key the HTTP/3 endpoint presents.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}, nil
}

// loopbackTLS issues a day-long self-signed certificate for localhost.
func loopbackTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "vmcore telemetry"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}, nil
}

// NewClient returns a client for a telemetry URL: HTTP/3 for https URLs,
// plain HTTP otherwise. The returned func releases the client's transport.
func NewClient(url string, insecure bool, timeout time.Duration) (*http.Client, func()) {
	if !strings.HasPrefix(url, "https://") {
		return &http.Client{Timeout: timeout}, func() {}
	}
	tr := &http3.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS13}}
	return &http.Client{Transport: tr, Timeout: timeout}, func() { _ = tr.Close() }
}
