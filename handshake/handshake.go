// Package handshake implements the HTTP-upgrade handshake that bootstraps an
// authenticated peer session. The initiator sends an upgrade request carrying
// its identity headers and an ephemeral session key; the responder validates
// every header, answers with its own identity and session key, and both sides
// prove possession of their long-term keys by signing material bound to the
// shared session secret.
package handshake

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/renproject/id"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ripemd160"
)

// State identifies how far a handshake attempt has progressed. It is carried
// on handshake errors so that a failure can be attributed to a phase.
type State uint8

const (
	// StateStart is the initial state, before any bytes have been exchanged.
	StateStart = State(iota)
	// StateHTTPSent means the upgrade request has been written.
	StateHTTPSent
	// StateHTTPAwaiting means the peer's HTTP head is being read.
	StateHTTPAwaiting
	// StateHTTPValidated means the peer's headers passed validation.
	StateHTTPValidated
	// StateCryptoExchanged means session keys have been exchanged and the
	// final possession proof is outstanding.
	StateCryptoExchanged
	// StateEstablished is the terminal success state.
	StateEstablished
	// StateFailed is the terminal failure state.
	StateFailed
)

func (state State) String() string {
	switch state {
	case StateStart:
		return "start"
	case StateHTTPSent:
		return "httpSent"
	case StateHTTPAwaiting:
		return "httpAwaiting"
	case StateHTTPValidated:
		return "httpValidated"
	case StateCryptoExchanged:
		return "cryptoExchanged"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	requestLine     = "GET / HTTP/1.1"
	responseLine101 = "HTTP/1.1 101 Switching Protocols"
	responseLine400 = "HTTP/1.1 400 Bad Request"
	responseLine503 = "HTTP/1.1 503 Service Unavailable"

	// maxProofLen bounds the length prefix of the possession proof frame that
	// follows the 101 response.
	maxProofLen = 512
)

var (
	bindingContext = []byte("synthpeer-binding")
	sessionContext = []byte("synthpeer-session")
)

// Result describes the authenticated remote peer after a successful
// handshake.
type Result struct {
	// Remote is the signatory of the remote peer's long-term public key.
	Remote id.Signatory
	// NodeDigest is the RIPEMD-160 of the SHA-256 of the remote peer's
	// compressed long-term public key.
	NodeDigest [20]byte
	// CrawlPublic is true when the remote peer advertised a public crawl
	// preference.
	CrawlPublic bool
	// Ident is the identification string the remote peer presented.
	Ident string
}

// A Handshaker runs the handshake protocol over an arbitrary connection.
type Handshaker interface {
	// Handshake with a remote server by initiating, and then interactively
	// completing, the handshake protocol. The remote server is accessed by
	// reading/writing to the io.ReadWriter.
	Handshake(ctx context.Context, rw io.ReadWriter) (Result, error)

	// AcceptHandshake from a remote client by waiting for the initiation of,
	// and then interactively completing, the handshake protocol. The remote
	// client is accessed by reading/writing to the io.ReadWriter.
	AcceptHandshake(ctx context.Context, rw io.ReadWriter) (Result, error)
}

type handshaker struct {
	privKey    *id.PrivKey
	cfg        Config
	logger     logrus.FieldLogger
	clock      func() time.Time
	validators map[string]validator
}

// New returns a Handshaker that authenticates with the given long-term
// private key and presents the header values in cfg.
func New(privKey *id.PrivKey, cfg Config, logger logrus.FieldLogger) Handshaker {
	if privKey == nil {
		panic("invariant violation: privKey cannot be nil")
	}
	if logger == nil {
		panic("invariant violation: logger cannot be nil")
	}
	clock := time.Now
	return &handshaker{
		privKey:    privKey,
		cfg:        cfg,
		logger:     logger,
		clock:      clock,
		validators: fieldValidators(clock),
	}
}

func (hs *handshaker) Handshake(ctx context.Context, rw io.ReadWriter) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, newErr(StateStart, err)
	}

	ephPrivKey, err := crypto.GenerateKey()
	if err != nil {
		return Result{}, newErr(StateStart, fmt.Errorf("generating session key: %v", err))
	}
	ephWire := crypto.CompressPubkey(&ephPrivKey.PublicKey)

	// The binding signature ties the long-term key to the true ephemeral key.
	// When the transmitted session key is corrupted, the binding check on the
	// remote side must fail.
	bindingSig, err := crypto.Sign(bindingDigest(ephWire), hs.ecdsaPrivKey())
	if err != nil {
		return Result{}, newErr(StateStart, fmt.Errorf("signing session key: %v", err))
	}

	if err := hs.writeRequest(rw, ephWire, bindingSig); err != nil {
		return Result{}, newErr(StateStart, err)
	}
	hs.logger.Debugf("handshake: upgrade request sent")

	resp, err := readHead(bufio.NewReader(rw))
	if err != nil {
		return Result{}, newErr(StateHTTPAwaiting, fmt.Errorf("reading response: %w", err))
	}
	status, err := parseStatus(resp.startLine)
	if err != nil {
		return Result{}, newErr(StateHTTPAwaiting, err)
	}
	if status != 101 {
		return Result{}, newErrRejected(StateHTTPAwaiting, fmt.Errorf("upgrade refused with status=%d", status))
	}
	if err := hs.validateHead(resp, headerServer); err != nil {
		return Result{}, newErr(StateHTTPAwaiting, err)
	}
	hs.logger.Debugf("handshake: response validated")

	remotePubKey, remoteEphWire, remoteSig, err := parseSessionHeaders(resp)
	if err != nil {
		return Result{}, newErr(StateHTTPValidated, err)
	}
	remoteEphPubKey, err := crypto.DecompressPubkey(remoteEphWire)
	if err != nil {
		return Result{}, newErr(StateHTTPValidated, fmt.Errorf("bad session key: %v", err))
	}

	secret, err := sharedSecret(ephPrivKey, remoteEphPubKey)
	if err != nil {
		return Result{}, newErr(StateHTTPValidated, err)
	}

	// The responder signed over the secret with itself as sender.
	digest := sessionDigest(secret, remoteEphWire, ephWire)
	if err := verifySig(digest, remoteSig, remotePubKey); err != nil {
		return Result{}, newErr(StateCryptoExchanged, err)
	}

	// Prove possession of the long-term key over the same secret, with the
	// roles of the ephemeral keys swapped.
	proofSig, err := crypto.Sign(sessionDigest(secret, ephWire, remoteEphWire), hs.ecdsaPrivKey())
	if err != nil {
		return Result{}, newErr(StateCryptoExchanged, fmt.Errorf("signing session proof: %v", err))
	}
	if hs.cfg.Corruption == CorruptSignature {
		proofSig = flipBit(proofSig)
	}
	if err := writeProof(rw, proofSig); err != nil {
		return Result{}, newErr(StateCryptoExchanged, err)
	}

	hs.logger.Debugf("handshake: established with %v", id.NewSignatory((*id.PubKey)(remotePubKey)))
	return resultFor(remotePubKey, resp), nil
}

func (hs *handshaker) AcceptHandshake(ctx context.Context, rw io.ReadWriter) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, newErr(StateStart, err)
	}

	req, err := readHead(bufio.NewReader(rw))
	if err != nil {
		return Result{}, newErr(StateHTTPAwaiting, fmt.Errorf("reading request: %w", err))
	}
	if req.startLine != requestLine {
		hs.refuse(rw)
		return Result{}, newErr(StateHTTPAwaiting, fmt.Errorf("bad request line %q", clip(req.startLine)))
	}
	if err := hs.validateHead(req, headerUserAgent); err != nil {
		hs.refuse(rw)
		return Result{}, newErr(StateHTTPAwaiting, err)
	}
	hs.logger.Debugf("handshake: upgrade request validated")

	remotePubKey, remoteEphWire, remoteSig, err := parseSessionHeaders(req)
	if err != nil {
		hs.refuse(rw)
		return Result{}, newErr(StateHTTPValidated, err)
	}

	// The binding signature covers the transmitted ephemeral key, so any
	// corruption of the key or the signature recovers the wrong signer.
	if err := verifySig(bindingDigest(remoteEphWire), remoteSig, remotePubKey); err != nil {
		hs.refuse(rw)
		return Result{}, newErr(StateHTTPValidated, err)
	}
	remoteEphPubKey, err := crypto.DecompressPubkey(remoteEphWire)
	if err != nil {
		hs.refuse(rw)
		return Result{}, newErr(StateHTTPValidated, fmt.Errorf("bad session key: %v", err))
	}

	ephPrivKey, err := crypto.GenerateKey()
	if err != nil {
		return Result{}, newErr(StateHTTPValidated, fmt.Errorf("generating session key: %v", err))
	}
	ephWire := crypto.CompressPubkey(&ephPrivKey.PublicKey)

	secret, err := sharedSecret(ephPrivKey, remoteEphPubKey)
	if err != nil {
		return Result{}, newErr(StateHTTPValidated, err)
	}

	sessionSig, err := crypto.Sign(sessionDigest(secret, ephWire, remoteEphWire), hs.ecdsaPrivKey())
	if err != nil {
		return Result{}, newErr(StateHTTPValidated, fmt.Errorf("signing session: %v", err))
	}
	if hs.cfg.Corruption == CorruptSignature {
		sessionSig = flipBit(sessionSig)
	}
	if err := hs.writeResponse(rw, ephWire, sessionSig); err != nil {
		return Result{}, newErr(StateHTTPValidated, err)
	}
	hs.logger.Debugf("handshake: upgrade response sent")

	proofSig, err := readProof(rw)
	if err != nil {
		return Result{}, newErr(StateCryptoExchanged, err)
	}
	if err := verifySig(sessionDigest(secret, remoteEphWire, ephWire), proofSig, remotePubKey); err != nil {
		return Result{}, newErr(StateCryptoExchanged, err)
	}

	hs.logger.Debugf("handshake: established with %v", id.NewSignatory((*id.PubKey)(remotePubKey)))
	return resultFor(remotePubKey, req), nil
}

// Reject writes an explicit refusal to the connection without running the
// handshake. It is used to turn away peers when no connection slots remain,
// so that the initiator observes a rejection rather than a timeout.
func Reject(rw io.ReadWriter, ident string) error {
	lines := []string{
		responseLine503,
		headerServer + ": " + ident,
		"",
		"",
	}
	_, err := rw.Write([]byte(strings.Join(lines, "\r\n")))
	return err
}

func (hs *handshaker) writeRequest(w io.Writer, ephWire, bindingSig []byte) error {
	lines := []string{
		requestLine,
		headerUserAgent + ": " + hs.cfg.Ident,
		headerConnection + ": " + hs.cfg.Connection,
		headerUpgrade + ": " + hs.cfg.Upgrade,
		headerConnectAs + ": " + hs.cfg.ConnectAs,
		headerCrawl + ": " + hs.cfg.Crawl,
		headerProtocolCtl + ": " + hs.cfg.ProtocolCtl,
		headerNetworkTime + ": " + hs.networkTime(),
	}
	lines = append(lines, hs.sessionHeaders(ephWire, bindingSig)...)
	lines = append(lines, "", "")
	if _, err := w.Write([]byte(strings.Join(lines, "\r\n"))); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	return nil
}

func (hs *handshaker) writeResponse(w io.Writer, ephWire, sessionSig []byte) error {
	lines := []string{
		responseLine101,
		headerServer + ": " + hs.cfg.Ident,
		headerConnection + ": " + hs.cfg.Connection,
		headerUpgrade + ": " + hs.cfg.Upgrade,
		headerCrawl + ": " + hs.cfg.Crawl,
		headerNetworkTime + ": " + hs.networkTime(),
	}
	lines = append(lines, hs.sessionHeaders(ephWire, sessionSig)...)
	lines = append(lines, "", "")
	if _, err := w.Write([]byte(strings.Join(lines, "\r\n"))); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func (hs *handshaker) sessionHeaders(ephWire, sig []byte) []string {
	if hs.cfg.Corruption == CorruptPublicKey {
		ephWire = flipBit(ephWire)
	}
	pubKeyWire := crypto.CompressPubkey((*ecdsa.PublicKey)(hs.privKey.PubKey()))
	return []string{
		headerPublicKey + ": " + base64.StdEncoding.EncodeToString(pubKeyWire),
		headerSessionKey + ": " + base64.StdEncoding.EncodeToString(ephWire),
		headerSessionSignature + ": " + base64.StdEncoding.EncodeToString(sig),
	}
}

func (hs *handshaker) networkTime() string {
	if hs.cfg.NetworkTime != nil {
		return *hs.cfg.NetworkTime
	}
	return strconv.FormatInt(hs.clock().Unix()-NetworkEpochOffset, 10)
}

// validateHead runs the field validators over the peer's head. identHeader
// selects which header carries the identification string for the peer's role.
func (hs *handshaker) validateHead(h head, identHeader string) error {
	required := []string{identHeader, headerConnection, headerUpgrade, headerPublicKey, headerSessionKey, headerSessionSignature}
	if identHeader == headerUserAgent {
		required = append(required, headerConnectAs)
	}
	for _, name := range required {
		if !h.has(name) {
			return fmt.Errorf("missing header %q", name)
		}
	}
	for name, value := range h.headers {
		if len(value) > MaxHeaderLen {
			return fmt.Errorf("header %q: value exceeds maximum size=%d", name, MaxHeaderLen)
		}
		validate, ok := hs.validators[name]
		if !ok {
			continue
		}
		if err := validate(value); err != nil {
			return fmt.Errorf("header %q: %v", name, err)
		}
	}
	return nil
}

// refuse answers an invalid upgrade request. Write errors are ignored: the
// handshake has already failed and the connection is about to be closed.
func (hs *handshaker) refuse(w io.Writer) {
	lines := []string{
		responseLine400,
		headerServer + ": " + hs.cfg.Ident,
		"",
		"",
	}
	if _, err := w.Write([]byte(strings.Join(lines, "\r\n"))); err != nil {
		hs.logger.Debugf("handshake: writing refusal: %v", err)
	}
}

func (hs *handshaker) ecdsaPrivKey() *ecdsa.PrivateKey {
	return (*ecdsa.PrivateKey)(hs.privKey)
}

func parseStatus(startLine string) (int, error) {
	fields := strings.SplitN(startLine, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/1.") {
		return 0, fmt.Errorf("bad status line %q", clip(startLine))
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("bad status line %q", clip(startLine))
	}
	return status, nil
}

func parseSessionHeaders(h head) (pubKey *ecdsa.PublicKey, ephWire, sig []byte, err error) {
	pubKeyWire, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h.get(headerPublicKey)))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bad public key encoding: %v", err)
	}
	pubKey, err = crypto.DecompressPubkey(pubKeyWire)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bad public key: %v", err)
	}
	ephWire, err = base64.StdEncoding.DecodeString(strings.TrimSpace(h.get(headerSessionKey)))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bad session key encoding: %v", err)
	}
	sig, err = base64.StdEncoding.DecodeString(strings.TrimSpace(h.get(headerSessionSignature)))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bad session signature encoding: %v", err)
	}
	return pubKey, ephWire, sig, nil
}

func sharedSecret(ephPrivKey *ecdsa.PrivateKey, remoteEphPubKey *ecdsa.PublicKey) ([]byte, error) {
	secret, err := ecies.ImportECDSA(ephPrivKey).GenerateShared(ecies.ImportECDSAPublic(remoteEphPubKey), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("deriving session secret: %v", err)
	}
	return secret, nil
}

func bindingDigest(ephWire []byte) []byte {
	return crypto.Keccak256(bindingContext, ephWire)
}

func sessionDigest(secret, senderEphWire, receiverEphWire []byte) []byte {
	return crypto.Keccak256(sessionContext, secret, senderEphWire, receiverEphWire)
}

// verifySig recovers the signer of the digest and requires it to be the
// expected key. Recovery means any corruption of the digest inputs or the
// signature yields a different signer.
func verifySig(digest, sig []byte, expected *ecdsa.PublicKey) error {
	recovered, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("bad signature: %v", err)
	}
	expectedSignatory := id.NewSignatory((*id.PubKey)(expected))
	recoveredSignatory := id.NewSignatory((*id.PubKey)(recovered))
	if !recoveredSignatory.Equal(&expectedSignatory) {
		return fmt.Errorf("signature verification failed: signer %v is not %v", recoveredSignatory, expectedSignatory)
	}
	return nil
}

func writeProof(w io.Writer, sig []byte) error {
	frame := make([]byte, 4+len(sig))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(sig)))
	copy(frame[4:], sig)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing session proof: %w", err)
	}
	return nil
}

func readProof(r io.Reader) ([]byte, error) {
	prefix := [4]byte{}
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("reading session proof: %w", err)
	}
	proofLen := binary.BigEndian.Uint32(prefix[:])
	if proofLen > maxProofLen {
		return nil, fmt.Errorf("session proof length=%d exceeds maximum=%d", proofLen, maxProofLen)
	}
	sig := make([]byte, proofLen)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("reading session proof: %w", err)
	}
	return sig, nil
}

func resultFor(remotePubKey *ecdsa.PublicKey, h head) Result {
	return Result{
		Remote:      id.NewSignatory((*id.PubKey)(remotePubKey)),
		NodeDigest:  nodeDigest(remotePubKey),
		CrawlPublic: strings.EqualFold(strings.TrimSpace(h.get(headerCrawl)), "public"),
		Ident:       identOf(h),
	}
}

func identOf(h head) string {
	if h.has(headerUserAgent) {
		return strings.TrimSpace(h.get(headerUserAgent))
	}
	return strings.TrimSpace(h.get(headerServer))
}

// nodeDigest is the short address form of a long-term public key: the
// RIPEMD-160 of the SHA-256 of its compressed encoding.
func nodeDigest(pubKey *ecdsa.PublicKey) [20]byte {
	inner := sha256.Sum256(crypto.CompressPubkey(pubKey))
	outer := ripemd160.New()
	outer.Write(inner[:])
	digest := [20]byte{}
	copy(digest[:], outer.Sum(nil))
	return digest
}

// flipBit returns a copy of data with the lowest bit of its last byte
// inverted. The input is never mutated.
func flipBit(data []byte) []byte {
	flipped := make([]byte, len(data))
	copy(flipped, data)
	if len(flipped) > 0 {
		flipped[len(flipped)-1] ^= 0x01
	}
	return flipped
}
