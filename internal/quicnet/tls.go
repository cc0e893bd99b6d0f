// Package quicnet provides the QUIC transport plumbing shared by both
// wire protocols in spec §6: a self-signed TLS identity (QUIC requires
// TLS, but authentication here comes from the inner Noise handshake,
// not the certificate — spec §6 "no TLS authentication") and a shared
// UDP-socket-backed transport that can simultaneously dial and accept,
// which is what C6's PUNCHING step needs.
package quicnet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// selfSignedLifetime is kept short, mirroring the teacher's
// certgen.go (under 14 days, originally for browser
// serverCertificateHashes compatibility); there is no browser client
// here, but there is also no reason to mint a longer-lived cert that
// authenticates nothing.
const selfSignedLifetime = 13 * 24 * time.Hour

// GenerateSelfSignedCert creates an ephemeral ECDSA P-256 certificate
// for one QUIC endpoint. TLS here only gets QUIC off the ground; peer
// and relay identity are established by the Noise handshake (C5) that
// runs over the resulting stream.
func GenerateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quicnet: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quicnet: generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "duskline"},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(selfSignedLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quicnet: create certificate: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// ServerTLSConfig builds a server-side TLS config around a fresh
// self-signed certificate for the given ALPN protocol.
func ServerTLSConfig(alpn string) (*tls.Config, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

// ClientTLSConfig builds a client-side TLS config that accepts any
// server certificate: the certificate authenticates nothing in this
// system, the Noise handshake that rides inside the QUIC stream does.
func ClientTLSConfig(alpn string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
}
