package mesh

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/hashicorp/memberlist"
)

// KeyManager runs cluster-wide keyring-modification queries and aggregates
// the per-node NodeKeyResponse bodies into a single KeyResponse. It wraps
// the local memberlist.Keyring,
// plus the optional on-disk keyring file rewrite.
type KeyManager struct {
	mesh *Mesh
}

// KeyResponse aggregates the per-node results of a cluster-wide keyring
// query.
type KeyResponse struct {
	Messages map[string]string
	Keys     []string
	NumNodes int
	NumResp  int
	NumErr   int
	Err      error
}

func newKeyResponse() *KeyResponse {
	return &KeyResponse{Messages: make(map[string]string)}
}

func (m *Mesh) keyManager() *KeyManager {
	if m.transport.Keyring() == nil {
		return nil
	}
	return &KeyManager{mesh: m}
}

// KeyManager returns the cluster-wide keyring manager, or nil if the
// transport has no active keyring (encryption disabled).
func (m *Mesh) KeyManager() *KeyManager {
	return m.keyManager()
}

func (k *KeyManager) keyring() *memberlist.Keyring {
	return k.mesh.transport.Keyring()
}

func (k *KeyManager) installKey(key []byte) error {
	if err := k.keyring().AddKey(key); err != nil {
		return err
	}
	return k.mesh.writeKeyringFile()
}

func (k *KeyManager) useKey(key []byte) error {
	if err := k.keyring().UseKey(key); err != nil {
		return err
	}
	return k.mesh.writeKeyringFile()
}

func (k *KeyManager) removeKey(key []byte) error {
	if err := k.keyring().RemoveKey(key); err != nil {
		return err
	}
	return k.mesh.writeKeyringFile()
}

func (k *KeyManager) listKeys() (keys [][]byte, primary []byte) {
	kr := k.keyring()
	return kr.GetKeys(), kr.GetPrimaryKey()
}

// InstallKey broadcasts an install-key query and aggregates responses.
func (k *KeyManager) InstallKey(key string) (*KeyResponse, error) {
	return k.clusterOp(installKeyQuery, key, false)
}

// UseKey broadcasts a use-key query and aggregates responses.
func (k *KeyManager) UseKey(key string) (*KeyResponse, error) {
	return k.clusterOp(useKeyQuery, key, false)
}

// RemoveKey broadcasts a remove-key query and aggregates responses.
func (k *KeyManager) RemoveKey(key string) (*KeyResponse, error) {
	return k.clusterOp(removeKeyQuery, key, false)
}

// ListKeys broadcasts a list-keys query and aggregates the union of
// installed keys reported by every node.
func (k *KeyManager) ListKeys() (*KeyResponse, error) {
	return k.clusterOp(listKeysQuery, "", true)
}

func (k *KeyManager) clusterOp(query, base64Key string, list bool) (*KeyResponse, error) {
	resp := newKeyResponse()

	var payload []byte
	if base64Key != "" {
		raw, err := base64.StdEncoding.DecodeString(base64Key)
		if err != nil {
			resp.Err = err
			return resp, err
		}
		payload = raw
	}

	qr, err := k.mesh.Query(internalQueryName(query), payload, &QueryParam{})
	if err != nil {
		resp.Err = err
		return resp, err
	}

	for r := range qr.ResponseCh() {
		resp.NumResp++

		if len(r.Payload) < 1 || messageType(r.Payload[0]) != messageKeyResponseType {
			resp.Messages[r.From] = fmt.Sprintf("invalid response type: %v", r.Payload)
			resp.NumErr++
			continue
		}
		var nr NodeKeyResponse
		if err := decodeMessage(r.Payload[1:], &nr); err != nil {
			resp.Messages[r.From] = fmt.Sprintf("failed to decode response: %v", err)
			resp.NumErr++
			continue
		}
		if !nr.Result {
			resp.Messages[r.From] = nr.Message
			resp.NumErr++
			continue
		}
		if list {
			for _, key := range nr.Keys {
				resp.Keys = appendUnique(resp.Keys, key)
			}
		}
	}

	resp.NumNodes = k.mesh.transport.NumMembers()
	if resp.NumErr != 0 {
		resp.Err = fmt.Errorf("%d/%d nodes reported failure", resp.NumErr, resp.NumNodes)
	} else if resp.NumResp != resp.NumNodes {
		resp.Err = fmt.Errorf("%d/%d nodes reported success", resp.NumResp, resp.NumNodes)
	}
	return resp, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// writeKeyringFile atomically rewrites the configured keyring file (if
// any) after a local keyring mutation. The file's own encoding is the
// keyring/encryption concern handled outside this package; this only
// handles the atomic-rewrite mechanics.
func (m *Mesh) writeKeyringFile() error {
	if m.config.KeyringFile == "" {
		return nil
	}
	kr := m.transport.Keyring()
	if kr == nil {
		return nil
	}

	keys := kr.GetKeys()
	lines := make([]byte, 0, 64*len(keys))
	for _, k := range keys {
		lines = append(lines, []byte(base64.StdEncoding.EncodeToString(k))...)
		lines = append(lines, '\n')
	}

	tmp := m.config.KeyringFile + ".tmp"
	if err := os.WriteFile(tmp, lines, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.config.KeyringFile)
}
