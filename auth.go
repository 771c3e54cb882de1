package replica

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// encodeVerifierAndSalt packs an SRP salt and verifier into one
// storable string.
func encodeVerifierAndSalt(s, v []byte) string {
	return base64.StdEncoding.EncodeToString(s) + "#" + base64.StdEncoding.EncodeToString(v)
}

// decodeVerifierAndSalt unpacks a stored credential string.
func decodeVerifierAndSalt(src string) ([]byte, []byte, error) {
	parts := strings.Split(src, "#")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("malformed credential entry")
	}
	s, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, err
	}
	v, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, err
	}
	return s, v, nil
}

// Ban adds the peer to the ban list and disconnects it. The host
// needs an auth database configured.
func (c *Conn) Ban() error {
	h := c.host
	if h.auth == nil {
		return fmt.Errorf("replica: no auth database configured")
	}
	banned, err := h.auth.isBanned(c.addr, c.name)
	if err != nil {
		return err
	}
	if banned {
		return fmt.Errorf("replica: %s is already banned", c.addr)
	}
	if err := h.auth.addBanItem(c.addr, c.name); err != nil {
		return err
	}
	c.log.Info().Str("name", c.name).Msg("banned")
	c.beginDisconnect(ErrAccessDenied, true)
	return nil
}

// Unban removes a peer name or address from the ban list.
func (h *Host) Unban(key string) error {
	if h.auth == nil {
		return fmt.Errorf("replica: no auth database configured")
	}
	return h.auth.deleteBanItem(key)
}

// BanList returns the banned addresses mapped to peer names.
func (h *Host) BanList() (map[string]string, error) {
	if h.auth == nil {
		return nil, fmt.Errorf("replica: no auth database configured")
	}
	return h.auth.banList()
}
