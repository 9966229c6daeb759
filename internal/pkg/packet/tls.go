package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"os"

	"github.com/endorses/sipscope/internal/pkg/logger"
)

// TLS record-layer dissection with optional decryption. Without a key file
// the dissector attaches a TLSRecord marker and yields nothing. With an RSA
// private key it follows TLS 1.2 static-RSA handshakes, derives the session
// keys from the decrypted pre-master secret and feeds the plaintext
// application data to the SIP framer. Ephemeral key exchanges (DHE/ECDHE)
// cannot be decrypted from a server key and are skipped.

const (
	tlsRecordHeaderLen = 5

	tlsTypeChangeCipherSpec = 20
	tlsTypeAlert            = 21
	tlsTypeHandshake        = 22
	tlsTypeApplicationData  = 23

	tlsHandshakeClientHello       = 1
	tlsHandshakeServerHello       = 2
	tlsHandshakeClientKeyExchange = 16
)

// Cipher suites decryptable with a static RSA key.
const (
	tlsRSAWithAES128CBCSHA    = 0x002f
	tlsRSAWithAES256CBCSHA    = 0x0035
	tlsRSAWithAES128CBCSHA256 = 0x003c
	tlsRSAWithAES256CBCSHA256 = 0x003d
)

type tlsSuiteInfo struct {
	keyLen int
	macLen int
	newMAC func() hash.Hash
}

func tlsSuite(id uint16) (tlsSuiteInfo, bool) {
	switch id {
	case tlsRSAWithAES128CBCSHA:
		return tlsSuiteInfo{keyLen: 16, macLen: 20, newMAC: sha1.New}, true
	case tlsRSAWithAES256CBCSHA:
		return tlsSuiteInfo{keyLen: 32, macLen: 20, newMAC: sha1.New}, true
	case tlsRSAWithAES128CBCSHA256:
		return tlsSuiteInfo{keyLen: 16, macLen: 32, newMAC: sha256.New}, true
	case tlsRSAWithAES256CBCSHA256:
		return tlsSuiteInfo{keyLen: 32, macLen: 32, newMAC: sha256.New}, true
	}
	return tlsSuiteInfo{}, false
}

// tlsKeyStore holds the server private key and endpoint hint.
type tlsKeyStore struct {
	key    *rsa.PrivateKey
	server Address
}

// LoadTLSKeyFile reads a PEM-encoded RSA private key for record
// decryption. The server address hint restricts which flows are treated
// as TLS servers; when unset, any flow that looks like TLS is followed.
func LoadTLSKeyFile(path string, server Address) (*tlsKeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: reading key file: %w", err)
	}
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("tls: parsing key: %w", err)
			}
			return &tlsKeyStore{key: key, server: server}, nil
		case "PRIVATE KEY":
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("tls: parsing key: %w", err)
			}
			key, ok := parsed.(*rsa.PrivateKey)
			if !ok {
				return nil, errors.New("tls: key file does not hold an RSA key")
			}
			return &tlsKeyStore{key: key, server: server}, nil
		}
	}
	return nil, errors.New("tls: no private key found in file")
}

// tlsConnKey identifies a connection independent of direction.
type tlsConnKey struct {
	a Address
	b Address
}

func makeTLSConnKey(src, dst Address) tlsConnKey {
	if src.String() < dst.String() {
		return tlsConnKey{a: src, b: dst}
	}
	return tlsConnKey{a: dst, b: src}
}

// tlsSession is the shared handshake state of one TLS connection.
type tlsSession struct {
	clientRandom []byte
	serverRandom []byte
	suite        uint16
	masterSecret []byte

	clientKey, serverKey []byte
	clientMAC, serverMAC []byte

	clientCipherOn bool
	serverCipherOn bool
	clientSeq      uint64
	serverSeq      uint64
	failed         bool
}

// tlsFlowSession is the per-direction view: direction flag plus plaintext
// SIP assembly. The record bytes themselves are buffered in the tcpFlow.
type tlsFlowSession struct {
	conn     *tlsSession
	isClient bool
	plain    []byte
}

// looksLikeTLS matches a record-layer header at the start of a stream.
func looksLikeTLS(buf []byte) bool {
	if len(buf) < tlsRecordHeaderLen {
		return false
	}
	return buf[0] >= tlsTypeChangeCipherSpec && buf[0] <= tlsTypeApplicationData &&
		buf[1] == 3 && buf[2] <= 4
}

// drainTLS consumes complete TLS records off the flow buffer. Without a
// key store every record is consumed and dropped.
func (c *Chain) drainTLS(pkt *Packet, flow *tcpFlow) {
	if flow.tls == nil {
		flow.tls = c.openTLSFlow(pkt)
	}
	sess := flow.tls

	for {
		if len(flow.buf) < tlsRecordHeaderLen {
			return
		}
		recLen := int(binary.BigEndian.Uint16(flow.buf[3:5]))
		if len(flow.buf) < tlsRecordHeaderLen+recLen {
			return
		}
		recType := flow.buf[0]
		record := flow.buf[tlsRecordHeaderLen : tlsRecordHeaderLen+recLen]
		flow.buf = flow.buf[tlsRecordHeaderLen+recLen:]

		if pkt.TLS == nil {
			pkt.TLS = &TLSRecord{}
		}
		if c.tlsKeys == nil || sess == nil || sess.conn.failed {
			continue
		}
		c.processTLSRecord(pkt, flow, sess, recType, record)
	}
}

func (c *Chain) openTLSFlow(pkt *Packet) *tlsFlowSession {
	if c.tlsKeys == nil {
		return nil
	}
	if c.tlsKeys.server.IsValid() {
		server := c.tlsKeys.server
		if !(pkt.Dst.IP == server.IP && pkt.Dst.Port == server.Port) &&
			!(pkt.Src.IP == server.IP && pkt.Src.Port == server.Port) {
			return nil
		}
	}
	key := makeTLSConnKey(pkt.Src, pkt.Dst)
	conn, ok := c.tlsSessions[key]
	if !ok {
		conn = &tlsSession{}
		c.tlsSessions[key] = conn
	}
	// With a server hint, the direction not sent by the server is the
	// client; without one, the first direction opened before a ClientHello
	// was recorded on the connection is taken as the client.
	isClient := true
	if c.tlsKeys.server.IsValid() {
		isClient = !(pkt.Src.IP == c.tlsKeys.server.IP && pkt.Src.Port == c.tlsKeys.server.Port)
	} else if conn.clientRandom != nil {
		isClient = false
	}
	return &tlsFlowSession{conn: conn, isClient: isClient}
}

func (c *Chain) processTLSRecord(pkt *Packet, flow *tcpFlow, sess *tlsFlowSession, recType uint8, record []byte) {
	conn := sess.conn
	switch recType {
	case tlsTypeHandshake:
		encrypted := (sess.isClient && conn.clientCipherOn) || (!sess.isClient && conn.serverCipherOn)
		if encrypted {
			// Finished message; decrypt only to keep sequence numbers aligned
			c.decryptTLSRecord(sess, recType, record)
			return
		}
		c.processTLSHandshake(conn, record)
	case tlsTypeChangeCipherSpec:
		if sess.isClient {
			conn.clientCipherOn = true
			conn.clientSeq = 0
		} else {
			conn.serverCipherOn = true
			conn.serverSeq = 0
		}
	case tlsTypeApplicationData:
		plain, err := c.decryptTLSRecord(sess, recType, record)
		if err != nil {
			logger.Debug("tls record decryption failed", "error", err)
			conn.failed = true
			return
		}
		pkt.TLS.Decrypted = true
		sess.plain = append(sess.plain, plain...)
		c.drainTLSPlaintext(pkt, sess)
	}
}

// drainTLSPlaintext frames SIP messages out of the decrypted byte stream.
func (c *Chain) drainTLSPlaintext(pkt *Packet, sess *tlsFlowSession) {
	for {
		msgLen, ok := sipFrameLength(sess.plain)
		if !ok {
			if len(sess.plain) > maxSipMessageSize {
				sess.plain = sess.plain[:0]
			}
			return
		}
		msg := make([]byte, msgLen)
		copy(msg, sess.plain[:msgLen])
		sess.plain = sess.plain[msgLen:]

		pkt.Src.Transport = TransportTLS
		pkt.Dst.Transport = TransportTLS
		pkt.SIP = nil
		pkt.SDP = nil
		if residual := c.dissectSIP(pkt, msg); residual != nil {
			c.dissectSDP(pkt, residual)
		}
		if pkt.SIP != nil {
			c.deliver(pkt)
		}
	}
}

// processTLSHandshake walks the handshake messages inside one record.
func (c *Chain) processTLSHandshake(conn *tlsSession, record []byte) {
	for len(record) >= 4 {
		msgType := record[0]
		msgLen := int(record[1])<<16 | int(record[2])<<8 | int(record[3])
		if len(record) < 4+msgLen {
			return
		}
		body := record[4 : 4+msgLen]
		record = record[4+msgLen:]

		switch msgType {
		case tlsHandshakeClientHello:
			if len(body) >= 34 {
				conn.clientRandom = append([]byte(nil), body[2:34]...)
			}
		case tlsHandshakeServerHello:
			if len(body) < 35 {
				return
			}
			conn.serverRandom = append([]byte(nil), body[2:34]...)
			sessIDLen := int(body[34])
			if len(body) < 35+sessIDLen+2 {
				return
			}
			conn.suite = binary.BigEndian.Uint16(body[35+sessIDLen : 37+sessIDLen])
		case tlsHandshakeClientKeyExchange:
			if len(body) < 2 {
				return
			}
			encLen := int(binary.BigEndian.Uint16(body[:2]))
			if len(body) < 2+encLen {
				return
			}
			premaster, err := rsa.DecryptPKCS1v15(nil, c.tlsKeys.key, body[2:2+encLen])
			if err != nil || len(premaster) != 48 {
				conn.failed = true
				return
			}
			c.deriveTLSKeys(conn, premaster)
		}
	}
}

func (c *Chain) deriveTLSKeys(conn *tlsSession, premaster []byte) {
	suite, ok := tlsSuite(conn.suite)
	if !ok || conn.clientRandom == nil || conn.serverRandom == nil {
		conn.failed = true
		return
	}

	seed := append(append([]byte(nil), conn.clientRandom...), conn.serverRandom...)
	conn.masterSecret = tlsPRF12(premaster, "master secret", seed, 48)

	// Key expansion seeds server random first
	expSeed := append(append([]byte(nil), conn.serverRandom...), conn.clientRandom...)
	keyBlock := tlsPRF12(conn.masterSecret, "key expansion", expSeed, 2*suite.macLen+2*suite.keyLen+2*aes.BlockSize)

	off := 0
	conn.clientMAC = keyBlock[off : off+suite.macLen]
	off += suite.macLen
	conn.serverMAC = keyBlock[off : off+suite.macLen]
	off += suite.macLen
	conn.clientKey = keyBlock[off : off+suite.keyLen]
	off += suite.keyLen
	conn.serverKey = keyBlock[off : off+suite.keyLen]
}

// decryptTLSRecord strips the explicit IV, decrypts AES-CBC, verifies and
// removes padding and MAC.
func (c *Chain) decryptTLSRecord(sess *tlsFlowSession, recType uint8, record []byte) ([]byte, error) {
	conn := sess.conn
	suite, ok := tlsSuite(conn.suite)
	if !ok {
		return nil, fmt.Errorf("tls: unsupported cipher suite %#04x", conn.suite)
	}

	key := conn.serverKey
	macKey := conn.serverMAC
	seq := &conn.serverSeq
	if sess.isClient {
		key = conn.clientKey
		macKey = conn.clientMAC
		seq = &conn.clientSeq
	}
	if key == nil {
		return nil, errors.New("tls: session keys not derived")
	}

	if len(record) < aes.BlockSize || len(record)%aes.BlockSize != 0 {
		return nil, errors.New("tls: bad record length")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := record[:aes.BlockSize]
	payload := make([]byte, len(record)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(payload, record[aes.BlockSize:])

	// Remove padding
	padLen := int(payload[len(payload)-1]) + 1
	if padLen > len(payload) {
		return nil, errors.New("tls: bad padding")
	}
	payload = payload[:len(payload)-padLen]
	if len(payload) < suite.macLen {
		return nil, errors.New("tls: record shorter than MAC")
	}
	plain := payload[:len(payload)-suite.macLen]
	recordMAC := payload[len(payload)-suite.macLen:]

	mac := hmac.New(suite.newMAC, macKey)
	var hdr [13]byte
	binary.BigEndian.PutUint64(hdr[:8], *seq)
	hdr[8] = recType
	hdr[9], hdr[10] = 3, 3
	binary.BigEndian.PutUint16(hdr[11:13], uint16(len(plain)))
	mac.Write(hdr[:])
	mac.Write(plain)
	if !hmac.Equal(mac.Sum(nil), recordMAC) {
		return nil, errors.New("tls: MAC mismatch")
	}
	*seq++
	return plain, nil
}

// tlsPRF12 is the TLS 1.2 SHA-256 pseudo-random function from RFC 5246:
// P_hash over HMAC-SHA256 with A(i) chaining.
func tlsPRF12(secret []byte, label string, seed []byte, length int) []byte {
	labelAndSeed := append([]byte(label), seed...)
	result := make([]byte, 0, length)

	a := labelAndSeed
	for len(result) < length {
		mac := hmac.New(sha256.New, secret)
		mac.Write(a)
		a = mac.Sum(nil)

		mac = hmac.New(sha256.New, secret)
		mac.Write(a)
		mac.Write(labelAndSeed)
		result = append(result, mac.Sum(nil)...)
	}
	return result[:length]
}
