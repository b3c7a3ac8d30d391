package mesh

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// TokenPrefix optionally prefixes an encoded join token (§6).
const TokenPrefix = "sfha-join://"

// JoinToken is the base64url-encoded JSON payload exchanged when a node
// joins a cluster (§6). Versions 1-3 share this shape; fields unused by a
// given version are simply empty/omitted.
type JoinToken struct {
	V             int      `json:"v"`
	Cluster       string   `json:"cluster"`
	Endpoint      string   `json:"endpoint"`
	PubKey        string   `json:"pubkey"`
	AuthKey       string   `json:"authkey"`
	MeshNetwork   string   `json:"meshNetwork"`
	MeshIP        string   `json:"meshIp"`
	CorosyncPort  int      `json:"corosyncPort"`
	AssignedIP    string   `json:"assignedIp,omitempty"`
	UsedIPs       []string `json:"usedIps,omitempty"`
	Peers         []Peer   `json:"peers,omitempty"`
	InitiatorName string   `json:"initiatorName,omitempty"`
}

// EncodeJoinToken serialises t to base64url JSON, unprefixed. Callers that
// want the `sfha-join://` form should prepend TokenPrefix themselves, or
// use EncodeJoinTokenURI.
func EncodeJoinToken(t JoinToken) (string, error) {
	if t.V < 1 || t.V > 3 {
		return "", fmt.Errorf("mesh: unsupported join-token version %d", t.V)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("mesh: encode join token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// EncodeJoinTokenURI is EncodeJoinToken with the sfha-join:// prefix.
func EncodeJoinTokenURI(t JoinToken) (string, error) {
	enc, err := EncodeJoinToken(t)
	if err != nil {
		return "", err
	}
	return TokenPrefix + enc, nil
}

// DecodeJoinToken accepts a token with or without the sfha-join:// prefix
// and decodes it back to a JoinToken.
func DecodeJoinToken(s string) (JoinToken, error) {
	s = strings.TrimPrefix(s, TokenPrefix)
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return JoinToken{}, fmt.Errorf("mesh: decode join token: %w", err)
	}
	var t JoinToken
	if err := json.Unmarshal(data, &t); err != nil {
		return JoinToken{}, fmt.Errorf("mesh: unmarshal join token: %w", err)
	}
	if t.V < 1 || t.V > 3 {
		return JoinToken{}, fmt.Errorf("mesh: unsupported join-token version %d", t.V)
	}
	return t, nil
}
