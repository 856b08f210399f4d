package device

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NormalizeAddress returns the canonical upper-case, colon separated form of a
// MAC address. Dashes and bare 12-digit forms are accepted.
func NormalizeAddress(mac string) (string, error) {
	raw := strings.ToLower(strings.TrimSpace(mac))
	raw = strings.NewReplacer(":", "", "-", "").Replace(raw)
	if len(raw) != 12 {
		return "", fmt.Errorf("invalid MAC address %q", mac)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid MAC address %q", mac)
	}

	octets := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		octets = append(octets, raw[i:i+2])
	}
	return strings.ToUpper(strings.Join(octets, ":")), nil
}

// AddressKey is the stable identifier of a device: lower-case, no separators.
// Invalid addresses are keyed on their lower-cased text with separators removed.
func AddressKey(mac string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(mac)))
}

// EntityID builds the unique id of a switch bound to charUUID on device mac.
// The suffix is the last eight characters of the characteristic UUID as configured.
func EntityID(mac, charUUID string) string {
	suffix := charUUID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return AddressKey(mac) + "_" + suffix
}
