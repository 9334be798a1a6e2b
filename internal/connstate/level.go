package connstate

// Family identifies the IP family an address or gateway belongs to.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// String returns a string representation of the family.
func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Level classifies the host's inferred internet connectivity.
type Level int

const (
	// None means no interface reaches either family.
	None Level = iota
	// IPv4Only means at least one interface reaches IPv4 and none reaches IPv6.
	IPv4Only
	// IPv6Only means at least one interface reaches IPv6 and none reaches IPv4.
	IPv6Only
	// Both means IPv4 and IPv6 are each reached by some interface,
	// not necessarily the same one.
	Both
)

// String returns a string representation of the connectivity level.
func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case IPv4Only:
		return "ipv4"
	case IPv6Only:
		return "ipv6"
	case Both:
		return "all"
	default:
		return "unknown"
	}
}
