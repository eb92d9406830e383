// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fleettls implements on-demand ACME HTTP-01 certificate
// issuance and the disk-backed certificate cache the TLS handshake
// hot path reads from (§4.6 through §4.10).
package fleettls

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
)

// headerLen is the size of the fixed binary header every serialized
// Certificate carries: an 8-byte little-endian issuance timestamp
// followed by 8-byte little-endian key and chain lengths.
const headerLen = 24

// Certificate is a private key and certificate chain paired with the
// time the order was finalized, exactly as read from or written to
// the on-disk cache (§4.7).
type Certificate struct {
	KeyPEM      []byte
	ChainPEM    []byte
	IssuedAtUTC uint64
}

// NewCertificate builds a Certificate from raw PEM blocks.
func NewCertificate(keyPEM, chainPEM []byte, issuedAtUTC uint64) *Certificate {
	return &Certificate{KeyPEM: keyPEM, ChainPEM: chainPEM, IssuedAtUTC: issuedAtUTC}
}

// TLSCertificate parses the stored PEM pair into a tls.Certificate
// usable as the result of a tls.Config.GetCertificate callback.
func (c *Certificate) TLSCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(c.ChainPEM, c.KeyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("fleettls: parsing stored certificate: %w", err)
	}
	return cert, nil
}

// MarshalBinary serializes the certificate to the on-disk format
// (§4.7): a 24-byte header of timestamp, key length, chain length
// (all little-endian uint64), followed by the raw key and chain PEM
// bytes back to back.
func (c *Certificate) MarshalBinary() []byte {
	buf := make([]byte, headerLen+len(c.KeyPEM)+len(c.ChainPEM))

	binary.LittleEndian.PutUint64(buf[0:8], c.IssuedAtUTC)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(c.KeyPEM)))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(c.ChainPEM)))

	copy(buf[headerLen:], c.KeyPEM)
	copy(buf[headerLen+len(c.KeyPEM):], c.ChainPEM)

	return buf
}

// UnmarshalCertificate parses the on-disk format produced by
// MarshalBinary. It rejects any buffer whose declared lengths don't
// exactly account for the remaining bytes.
func UnmarshalCertificate(buf []byte) (*Certificate, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("fleettls: certificate buffer too short for header: %d bytes", len(buf))
	}

	timestamp := binary.LittleEndian.Uint64(buf[0:8])
	keyLen := binary.LittleEndian.Uint64(buf[8:16])
	chainLen := binary.LittleEndian.Uint64(buf[16:24])

	wantLen := uint64(headerLen) + keyLen + chainLen
	if uint64(len(buf)) != wantLen {
		return nil, fmt.Errorf("fleettls: certificate buffer length mismatch: want %d, have %d", wantLen, len(buf))
	}

	body := buf[headerLen:]
	keyPEM := append([]byte(nil), body[:keyLen]...)
	chainPEM := append([]byte(nil), body[keyLen:]...)

	return &Certificate{KeyPEM: keyPEM, ChainPEM: chainPEM, IssuedAtUTC: timestamp}, nil
}
