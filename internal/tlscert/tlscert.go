// Package tlscert generates a fresh self-signed TLS key/certificate pair for
// the LAN HTTPS listener. Nothing is persisted: a new key is generated on
// every call.
package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sort"
	"time"
)

// commonName is the fixed Subject CN stamped on every generated certificate.
const commonName = "wtshare LAN Share"

// validity is how long a generated certificate remains valid from issuance.
const validity = 365 * 24 * time.Hour

// Pair is a PEM-encoded private key and certificate, ready to hand to
// tls.X509KeyPair or to write to disk.
type Pair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Generate produces a self-signed certificate whose SAN list covers every IP
// in lanIPs plus localhost and 127.0.0.1. lanIPs entries that don't parse as
// IP addresses are ignored.
func Generate(lanIPs []string) (Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Pair{}, fmt.Errorf("tlscert: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Pair{}, fmt.Errorf("tlscert: generate serial: %w", err)
	}

	notBefore := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  sanIPs(lanIPs),
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return Pair{}, fmt.Errorf("tlscert: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return Pair{}, fmt.Errorf("tlscert: marshal key: %w", err)
	}

	return Pair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// LocalIPv4s enumerates non-loopback, non-unspecified, non-multicast IPv4
// addresses bound to local interfaces, sorted and deduplicated. Used to
// build the SAN list passed to Generate.
func LocalIPv4s() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("tlscert: enumerate interfaces: %w", err)
	}

	seen := make(map[string]bool)
	var ips []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() {
			continue
		}
		s := ip.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		ips = append(ips, s)
	}

	sort.Strings(ips)
	return ips, nil
}

// sanIPs builds the SAN IP list: every valid address in lanIPs, deduplicated
// against the always-included 127.0.0.1.
func sanIPs(lanIPs []string) []net.IP {
	ips := []net.IP{net.IPv4(127, 0, 0, 1)}
	seen := map[string]bool{ips[0].String(): true}

	for _, raw := range lanIPs {
		ip := net.ParseIP(raw)
		if ip == nil {
			continue
		}
		if seen[ip.String()] {
			continue
		}
		seen[ip.String()] = true
		ips = append(ips, ip)
	}
	return ips
}
