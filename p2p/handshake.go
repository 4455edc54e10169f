package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
)

const (
	protocolVersion        uint32        = 1
	handshakeSkewAllowance time.Duration = 5 * time.Minute
	handshakeNonceSize                   = 16
)

type handshakeMessage struct {
	ProtocolVersion uint32 `json:"protoVersion"`
	NetworkID       string `json:"networkId"`
	NodeAddr        string `json:"nodeAddrBech32"`
	Nonce           string `json:"nonce"`
	Timestamp       int64  `json:"ts"`
	ClientVersion   string `json:"clientVersion"`
}

type handshakePacket struct {
	handshakeMessage
	Signature string `json:"sig"`

	nodeID string
}

func (s *Server) performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*handshakePacket, error) {
	local, err := s.buildHandshake()
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	if err := writeFrame(ctx, conn, local); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	payload, err := readFrame(ctx, conn, reader)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty handshake from peer")
	}

	var remote handshakePacket
	if err := json.Unmarshal(payload, &remote); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if err := s.verifyHandshake(&remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

func (s *Server) buildHandshake() (*handshakePacket, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	payload := handshakeMessage{
		ProtocolVersion: protocolVersion,
		NetworkID:       s.cfg.NetworkID,
		NodeAddr:        s.nodeID,
		Nonce:           hexutil.Encode(nonce),
		Timestamp:       s.now().Unix(),
		ClientVersion:   s.cfg.ClientVersion,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake payload: %w", err)
	}
	sig, err := s.privKey.Sign(handshakeDigest(body, payload.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}
	s.seenNonces.Add(payload.Nonce, struct{}{})
	return &handshakePacket{handshakeMessage: payload, Signature: hexutil.Encode(sig), nodeID: s.nodeID}, nil
}

func (s *Server) verifyHandshake(packet *handshakePacket) error {
	if packet.ProtocolVersion != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", packet.ProtocolVersion)
	}
	if packet.ClientVersion == "" {
		return fmt.Errorf("handshake missing client version")
	}
	if packet.NetworkID != s.cfg.NetworkID {
		return fmt.Errorf("network mismatch: remote %q local %q", packet.NetworkID, s.cfg.NetworkID)
	}
	nonce, err := hexutil.Decode(packet.Nonce)
	if err != nil || len(nonce) != handshakeNonceSize {
		return fmt.Errorf("invalid handshake nonce")
	}
	ts := time.Unix(packet.Timestamp, 0)
	now := s.now()
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return fmt.Errorf("handshake timestamp skew too large")
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(packet.NodeAddr))
	if err != nil {
		return fmt.Errorf("decode node address: %w", err)
	}
	sig, err := hexutil.Decode(packet.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	body, err := json.Marshal(packet.handshakeMessage)
	if err != nil {
		return fmt.Errorf("marshal handshake for verification: %w", err)
	}
	recovered, err := crypto.RecoverAddress(handshakeDigest(body, packet.Timestamp), sig)
	if err != nil {
		return fmt.Errorf("recover signature: %w", err)
	}
	if !bytes.Equal(recovered.Bytes(), addr.Bytes()) {
		return fmt.Errorf("signature does not match address")
	}
	if ok, _ := s.seenNonces.ContainsOrAdd(packet.Nonce, struct{}{}); ok {
		return fmt.Errorf("handshake nonce replay detected")
	}
	packet.nodeID = addr.String()
	return nil
}

func handshakeDigest(payload []byte, timestamp int64) []byte {
	return crypto.Keccak256([]byte(fmt.Sprintf("obsync-p2p|hello|%s|%d", payload, timestamp)))
}

func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}
