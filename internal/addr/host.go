package addr

// Host is an (ip, mac) pair learned by the ARP tracker and owned by the
// Switch it was observed on.
type Host struct {
	IP  IPv4
	MAC MAC
}

// Equal compares ip and mac; two hosts with the same IP but different
// (or absent) MACs are distinct, since a stale ARP entry should not be
// mistaken for a fresh one.
func (h Host) Equal(o Host) bool {
	return h.IP == o.IP && h.MAC.String() == o.MAC.String()
}

func (h Host) String() string {
	return h.IP.String() + " (" + h.MAC.String() + ")"
}
