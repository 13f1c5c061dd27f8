package handshake

// A Corruption deliberately damages one of the cryptographic values
// transmitted during the handshake. It is used for negative testing: a peer
// that verifies its counterpart correctly must reject a handshake carrying
// any corruption.
type Corruption uint8

const (
	// CorruptNone transmits all values faithfully.
	CorruptNone = Corruption(iota)
	// CorruptPublicKey flips one bit of the transmitted ephemeral public key.
	CorruptPublicKey
	// CorruptSignature flips one bit of the transmitted shared-secret
	// signature.
	CorruptSignature
)

func (corruption Corruption) String() string {
	switch corruption {
	case CorruptNone:
		return "none"
	case CorruptPublicKey:
		return "publicKey"
	case CorruptSignature:
		return "signature"
	default:
		return "unknown"
	}
}

// Config holds the header values and corruption toggle used to build one
// handshake attempt. It is immutable for the lifetime of the attempt.
//
// Every field is sent verbatim, including empty values, so that malformed
// and boundary values can be exercised against a peer.
type Config struct {
	// Ident is sent as the User-Agent header when initiating, and as the
	// Server header when responding.
	Ident       string
	Connection  string
	Upgrade     string
	ConnectAs   string
	Crawl       string
	ProtocolCtl string

	// NetworkTime overrides the claimed network time. Nil derives the value
	// from the local clock at send time; a pointer to the empty string sends
	// an empty header.
	NetworkTime *string

	Corruption Corruption
}

// DefaultConfig returns a Config that a well-behaved peer accepts.
func DefaultConfig() Config {
	return Config{
		Ident:       "synthpeer-0.1.0",
		Connection:  "Upgrade",
		Upgrade:     "XRPL/2.2",
		ConnectAs:   "Peer",
		Crawl:       "private",
		ProtocolCtl: "",
		NetworkTime: nil,
		Corruption:  CorruptNone,
	}
}

// WithIdent sets the identification string.
func (cfg Config) WithIdent(ident string) Config {
	cfg.Ident = ident
	return cfg
}

// WithConnection sets the Connection header value.
func (cfg Config) WithConnection(connection string) Config {
	cfg.Connection = connection
	return cfg
}

// WithUpgrade sets the Upgrade header value.
func (cfg Config) WithUpgrade(upgrade string) Config {
	cfg.Upgrade = upgrade
	return cfg
}

// WithConnectAs sets the Connect-As header value.
func (cfg Config) WithConnectAs(connectAs string) Config {
	cfg.ConnectAs = connectAs
	return cfg
}

// WithCrawl sets the Crawl header value.
func (cfg Config) WithCrawl(crawl string) Config {
	cfg.Crawl = crawl
	return cfg
}

// WithProtocolCtl sets the X-Protocol-Ctl header value.
func (cfg Config) WithProtocolCtl(protocolCtl string) Config {
	cfg.ProtocolCtl = protocolCtl
	return cfg
}

// WithNetworkTime overrides the claimed network time.
func (cfg Config) WithNetworkTime(networkTime string) Config {
	cfg.NetworkTime = &networkTime
	return cfg
}

// WithCorruption sets the corruption toggle.
func (cfg Config) WithCorruption(corruption Corruption) Config {
	cfg.Corruption = corruption
	return cfg
}
