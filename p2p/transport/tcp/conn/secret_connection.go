package conn

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bftlabs/tmcore/crypto"
	"github.com/bftlabs/tmcore/crypto/encoding"
)

// SecretConnection implements a station-to-station handshake over an
// underlying net.Conn: ephemeral X25519 keys establish a shared secret,
// each side signs the resulting transcript with its long-term Ed25519
// identity key to authenticate, and traffic afterward is sealed with
// per-direction ChaCha20-Poly1305 keys derived from the shared secret.
type SecretConnection struct {
	conn net.Conn

	remPubKey crypto.PubKey

	sendMtx  sync.Mutex
	sendAEAD cipher.AEAD
	sendNonce [chacha20poly1305.NonceSize]byte

	recvMtx   sync.Mutex
	recvAEAD  cipher.AEAD
	recvNonce [chacha20poly1305.NonceSize]byte
	recvBuf   []byte
}

const (
	dataMaxSize    = 1024
	dataLenSize    = 4
	totalFrameSize = dataMaxSize + dataLenSize
	aeadSizeOverhead = 16
)

// MakeSecretConnection performs a station-to-station handshake over c using
// the local node's Ed25519 identity key privKey, returning an encrypted
// connection or an error if the handshake or peer authentication fails.
func MakeSecretConnection(c net.Conn, privKey crypto.PrivKey) (*SecretConnection, error) {
	locEphPub, locEphPriv, err := genEphKeys()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral keys: %w", err)
	}

	remEphPub, err := shareEphPubKey(c, locEphPub)
	if err != nil {
		return nil, fmt.Errorf("exchanging ephemeral keys: %w", err)
	}

	sharedSecret, err := curve25519.X25519(locEphPriv[:], remEphPub[:])
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}

	loEphPub, hiEphPub := sort32(locEphPub, remEphPub)
	transcript := sha256.Sum256(append(append([]byte{}, loEphPub[:]...), hiEphPub[:]...))

	sendSecret, recvSecret, err := deriveSecrets(sharedSecret, bytes.Equal(locEphPub[:], loEphPub[:]))
	if err != nil {
		return nil, err
	}

	sendAEAD, err := chacha20poly1305.New(sendSecret)
	if err != nil {
		return nil, fmt.Errorf("initializing send cipher: %w", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvSecret)
	if err != nil {
		return nil, fmt.Errorf("initializing recv cipher: %w", err)
	}

	sc := &SecretConnection{
		conn:     c,
		sendAEAD: sendAEAD,
		recvAEAD: recvAEAD,
	}

	// Authenticate: each side signs the handshake transcript with its
	// long-term identity key and sends {pubkey, signature} over the now
	// keyed (but not yet authenticated) channel.
	localSig, err := privKey.Sign(transcript[:])
	if err != nil {
		return nil, fmt.Errorf("signing handshake transcript: %w", err)
	}
	keyType, keyBytes, err := encoding.PubKeyToTypeAndBytes(privKey.PubKey())
	if err != nil {
		return nil, fmt.Errorf("encoding local pubkey: %w", err)
	}

	remoteAuth, err := shareAuthSignature(sc, authSigMessage{
		KeyType: keyType,
		Key:     keyBytes,
		Sig:     localSig,
	})
	if err != nil {
		return nil, fmt.Errorf("exchanging auth signature: %w", err)
	}

	remotePubKey, err := encoding.PubKeyFromTypeAndBytes(remoteAuth.KeyType, remoteAuth.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding remote pubkey: %w", err)
	}
	if !remotePubKey.VerifySignature(transcript[:], remoteAuth.Sig) {
		return nil, errors.New("challenge verification failed")
	}
	sc.remPubKey = remotePubKey

	return sc, nil
}

// RemotePubKey returns the authenticated identity key of the remote peer,
// valid only once the handshake in MakeSecretConnection has succeeded.
func (sc *SecretConnection) RemotePubKey() crypto.PubKey {
	return sc.remPubKey
}

func genEphKeys() (pub, priv *[32]byte, err error) {
	priv = new([32]byte)
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, nil, err
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	pub = new([32]byte)
	copy(pub[:], pubBytes)
	return pub, priv, nil
}

// shareEphPubKey exchanges 32-byte ephemeral public keys over c. Order does
// not matter for correctness (both sides write, then both read).
func shareEphPubKey(c net.Conn, locEphPub *[32]byte) (*[32]byte, error) {
	var remEphPub [32]byte
	errc := make(chan error, 1)
	go func() {
		_, err := c.Write(locEphPub[:])
		errc <- err
	}()
	if _, err := io.ReadFull(c, remEphPub[:]); err != nil {
		<-errc
		return nil, err
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return &remEphPub, nil
}

type authSigMessage struct {
	KeyType string
	Key     []byte
	Sig     []byte
}

func (m authSigMessage) encode() []byte {
	var buf bytes.Buffer
	writeLP(&buf, []byte(m.KeyType))
	writeLP(&buf, m.Key)
	writeLP(&buf, m.Sig)
	return buf.Bytes()
}

func decodeAuthSigMessage(bz []byte) (authSigMessage, error) {
	r := bytes.NewReader(bz)
	keyType, err := readLP(r)
	if err != nil {
		return authSigMessage{}, err
	}
	key, err := readLP(r)
	if err != nil {
		return authSigMessage{}, err
	}
	sig, err := readLP(r)
	if err != nil {
		return authSigMessage{}, err
	}
	return authSigMessage{KeyType: string(keyType), Key: key, Sig: sig}, nil
}

func writeLP(buf *bytes.Buffer, b []byte) {
	var lenBz [4]byte
	binary.BigEndian.PutUint32(lenBz[:], uint32(len(b)))
	buf.Write(lenBz[:])
	buf.Write(b)
}

func readLP(r *bytes.Reader) ([]byte, error) {
	var lenBz [4]byte
	if _, err := io.ReadFull(r, lenBz[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBz[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// shareAuthSignature sends local over the now-encrypted sc and returns the
// remote side's authSigMessage.
func shareAuthSignature(sc *SecretConnection, local authSigMessage) (authSigMessage, error) {
	localBz := local.encode()
	var remoteBz []byte
	errc := make(chan error, 1)
	go func() {
		_, err := sc.Write(localBz)
		errc <- err
	}()

	buf := make([]byte, 4096)
	n, err := sc.Read(buf)
	if err != nil {
		<-errc
		return authSigMessage{}, err
	}
	remoteBz = buf[:n]
	if err := <-errc; err != nil {
		return authSigMessage{}, err
	}
	return decodeAuthSigMessage(remoteBz)
}

// sort32 returns a's and b's contents in a deterministic (lower, higher)
// order so both sides of the handshake derive the same transcript and key
// assignment without needing an explicit initiator/responder role.
func sort32(a, b *[32]byte) (lo, hi *[32]byte) {
	if bytes.Compare(a[:], b[:]) < 0 {
		return a, b
	}
	return b, a
}

// deriveSecrets expands the shared secret into two directional 32-byte
// ChaCha20-Poly1305 keys via HKDF-SHA256. locIsLo determines which key is
// used for sending vs. receiving so both peers agree on directionality.
func deriveSecrets(sharedSecret []byte, locIsLo bool) (sendSecret, recvSecret []byte, err error) {
	hkdfer := hkdf.New(sha256.New, sharedSecret, nil, []byte("TMCORE_SECRET_CONNECTION_KEY_GEN"))
	keys := make([]byte, 64)
	if _, err := io.ReadFull(hkdfer, keys); err != nil {
		return nil, nil, fmt.Errorf("deriving keys: %w", err)
	}
	loKey, hiKey := keys[:32], keys[32:]
	if locIsLo {
		return loKey, hiKey, nil
	}
	return hiKey, loKey, nil
}

// Read implements net.Conn, decrypting and reassembling frames as needed.
func (sc *SecretConnection) Read(b []byte) (n int, err error) {
	sc.recvMtx.Lock()
	defer sc.recvMtx.Unlock()

	if len(sc.recvBuf) > 0 {
		n = copy(b, sc.recvBuf)
		sc.recvBuf = sc.recvBuf[n:]
		return n, nil
	}

	sealed := make([]byte, totalFrameSize+aeadSizeOverhead)
	if _, err := io.ReadFull(sc.conn, sealed); err != nil {
		return 0, err
	}

	frame, err := sc.recvAEAD.Open(nil, sc.recvNonce[:], sealed, nil)
	if err != nil {
		return 0, ErrDecryptFrame{Source: err}
	}
	incrNonce(&sc.recvNonce)

	dataLen := binary.BigEndian.Uint32(frame[:dataLenSize])
	if dataLen > dataMaxSize {
		return 0, ErrPacketTooBig{Received: int(dataLen), Max: dataMaxSize}
	}
	data := frame[dataLenSize : dataLenSize+dataLen]

	n = copy(b, data)
	if n < len(data) {
		sc.recvBuf = append(sc.recvBuf, data[n:]...)
	}
	return n, nil
}

// Write implements net.Conn, chunking and sealing b into fixed-size frames.
func (sc *SecretConnection) Write(b []byte) (n int, err error) {
	sc.sendMtx.Lock()
	defer sc.sendMtx.Unlock()

	for len(b) > 0 {
		chunk := b
		if len(chunk) > dataMaxSize {
			chunk = chunk[:dataMaxSize]
		}

		frame := make([]byte, totalFrameSize)
		binary.BigEndian.PutUint32(frame[:dataLenSize], uint32(len(chunk)))
		copy(frame[dataLenSize:], chunk)

		sealed := sc.sendAEAD.Seal(nil, sc.sendNonce[:], frame, nil)
		if _, err := sc.conn.Write(sealed); err != nil {
			return n, err
		}
		incrNonce(&sc.sendNonce)

		n += len(chunk)
		b = b[len(chunk):]
	}
	return n, nil
}

func incrNonce(nonce *[chacha20poly1305.NonceSize]byte) {
	for i := len(nonce) - 1; i >= 0; i-- {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}

func (sc *SecretConnection) Close() error                       { return sc.conn.Close() }
func (sc *SecretConnection) LocalAddr() net.Addr                { return sc.conn.LocalAddr() }
func (sc *SecretConnection) RemoteAddr() net.Addr               { return sc.conn.RemoteAddr() }
func (sc *SecretConnection) SetDeadline(t time.Time) error      { return sc.conn.SetDeadline(t) }
func (sc *SecretConnection) SetReadDeadline(t time.Time) error  { return sc.conn.SetReadDeadline(t) }
func (sc *SecretConnection) SetWriteDeadline(t time.Time) error { return sc.conn.SetWriteDeadline(t) }
