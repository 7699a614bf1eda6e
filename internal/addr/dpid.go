package addr

import (
	"fmt"
	"strconv"
	"strings"
)

// DPID is a 64-bit OpenFlow datapath identifier.
type DPID uint64

// ParseDPID accepts either a plain decimal ("3"), a short form that the
// controller itself produces ("#3") or a colon/dash separated hex MAC
// form ("02-00-00-00-00-03" / "02:00:00:00:00:03"). Short decimal values
// below 100 are treated as the last octet of the controller's reserved
// 02:00:00:00:00:xx block, matching how datapath IDs are assigned to
// switches in the reference topology.
func ParseDPID(s string) (DPID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("addr: empty DPID")
	}
	s = strings.TrimPrefix(s, "#")

	if isAllDigits(s) {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("addr: invalid DPID %q: %w", s, err)
		}
		if n < 100 {
			return DPID(0x020000000000 | n), nil
		}
		return DPID(n), nil
	}

	hex := strings.NewReplacer("-", "", ":", "").Replace(s)
	n, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("addr: invalid DPID %q: %w", s, err)
	}
	return DPID(n), nil
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String renders the full dash-separated hex form of all eight bytes,
// e.g. "00-00-02-00-00-00-00-03".
func (d DPID) String() string {
	b := [8]byte{
		byte(d >> 56), byte(d >> 48), byte(d >> 40), byte(d >> 32),
		byte(d >> 24), byte(d >> 16), byte(d >> 8), byte(d),
	}
	parts := make([]string, 8)
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, "-")
}

// Short renders the abbreviated form used in logs: "#N" when the DPID
// falls in the controller's reserved 02:00:00:00:00:xx block, the full
// hex form otherwise.
func (d DPID) Short() string {
	if d>>8 == 0x0200000000 {
		return "#" + strconv.FormatUint(uint64(d&0xff), 10)
	}
	return d.String()
}
