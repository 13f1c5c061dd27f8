package handshake

import (
	"bufio"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxHeaderLen is the transport-level guard: any raw header line longer
	// than this fails the handshake unconditionally, before field semantics
	// are considered.
	MaxHeaderLen = 8192

	// MaxFieldLen is the per-field cap applied to header values before their
	// field-specific rules.
	MaxFieldLen = 7700

	// NetworkEpochOffset is the number of seconds between the Unix epoch and
	// the network epoch used by the Network-Time header.
	NetworkEpochOffset = 946684800

	// MaxTimeSkew bounds how far a claimed network time may drift from the
	// local clock. A skew of exactly MaxTimeSkew is rejected.
	MaxTimeSkew = 24 * time.Hour

	maxHeaderCount = 64
)

const (
	headerUserAgent        = "User-Agent"
	headerServer           = "Server"
	headerConnection       = "Connection"
	headerUpgrade          = "Upgrade"
	headerConnectAs        = "Connect-As"
	headerCrawl            = "Crawl"
	headerNetworkTime      = "Network-Time"
	headerProtocolCtl      = "X-Protocol-Ctl"
	headerPublicKey        = "Public-Key"
	headerSessionKey       = "Session-Key"
	headerSessionSignature = "Session-Signature"
)

const upgradeScheme = "XRPL"

// supportedVersions enumerates the protocol versions this peer accepts in the
// Upgrade header.
var supportedVersions = [][2]uint64{{2, 1}, {2, 2}}

// A validator accepts or rejects the raw (untrimmed) value of one header.
// Each header is validated independently so that the rule set stays auditable
// field by field.
type validator func(value string) error

// fieldValidators returns the validation rules for the identity headers,
// keyed by canonical header name. The ident rule is registered under both the
// User-Agent and Server names so that the same map serves both roles.
func fieldValidators(clock func() time.Time) map[string]validator {
	return map[string]validator{
		headerUserAgent:   validateIdent,
		headerServer:      validateIdent,
		headerConnection:  validateConnection,
		headerUpgrade:     validateUpgrade,
		headerConnectAs:   validateConnectAs,
		headerCrawl:       validateFieldLen,
		headerProtocolCtl: validateFieldLen,
		headerNetworkTime: validateNetworkTime(clock),
	}
}

func validateFieldLen(value string) error {
	if len(value) > MaxFieldLen {
		return fmt.Errorf("value length=%d exceeds maximum=%d", len(value), MaxFieldLen)
	}
	return nil
}

func validateIdent(value string) error {
	return validateFieldLen(value)
}

func validateConnection(value string) error {
	if !strings.EqualFold(strings.TrimSpace(value), "upgrade") {
		return fmt.Errorf("expected \"Upgrade\", got %q", clip(value))
	}
	return nil
}

func validateConnectAs(value string) error {
	if err := validateFieldLen(value); err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(value), "peer") {
		return fmt.Errorf("expected \"Peer\", got %q", clip(value))
	}
	return nil
}

func validateUpgrade(value string) error {
	if err := validateFieldLen(value); err != nil {
		return err
	}
	token := strings.TrimSpace(value)
	scheme, version, ok := strings.Cut(token, "/")
	if !ok || scheme != upgradeScheme {
		return fmt.Errorf("malformed upgrade token %q", clip(value))
	}
	majorStr, minorStr, ok := strings.Cut(version, ".")
	if !ok {
		return fmt.Errorf("missing minor version in upgrade token %q", clip(value))
	}
	major, err := parseDigits(majorStr)
	if err != nil {
		return fmt.Errorf("bad major version in upgrade token %q: %v", clip(value), err)
	}
	minor, err := parseDigits(minorStr)
	if err != nil {
		return fmt.Errorf("bad minor version in upgrade token %q: %v", clip(value), err)
	}
	for _, supported := range supportedVersions {
		if major == supported[0] && minor == supported[1] {
			return nil
		}
	}
	return fmt.Errorf("unsupported protocol version %d.%d", major, minor)
}

func validateNetworkTime(clock func() time.Time) validator {
	return func(value string) error {
		if err := validateFieldLen(value); err != nil {
			return err
		}
		claimed, err := parseDigits(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("bad network time %q: %v", clip(value), err)
		}
		local := clock().Unix() - NetworkEpochOffset
		skew := int64(claimed) - local
		if skew < 0 {
			skew = -skew
		}
		if time.Duration(skew)*time.Second >= MaxTimeSkew {
			return fmt.Errorf("network time skew %vs exceeds window", skew)
		}
		return nil
	}
}

// parseDigits parses a non-negative decimal integer. Unlike strconv.ParseUint
// on its own, it rejects signs and any non-digit byte, and it tolerates any
// number of leading zeros (the numeric value must still fit in 64 bits).
func parseDigits(s string) (uint64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("non-digit byte %q", s[i])
		}
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

func clip(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

// head is one parsed HTTP request or response head. Header values are kept
// raw (no whitespace trimming beyond the line terminator) so that size caps
// see exactly what was sent.
type head struct {
	startLine string
	headers   map[string]string
}

func (h head) get(name string) string {
	return h.headers[textproto.CanonicalMIMEHeaderKey(name)]
}

func (h head) has(name string) bool {
	_, ok := h.headers[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// readHead reads an HTTP/1.1-style head (start line, headers, blank line)
// from the reader. Each raw line is capped at MaxHeaderLen: longer lines fail
// immediately, which implements the transport-level header guard.
func readHead(r *bufio.Reader) (head, error) {
	startLine, err := readLine(r)
	if err != nil {
		return head{}, fmt.Errorf("reading start line: %w", err)
	}

	headers := make(map[string]string, 16)
	for i := 0; ; i++ {
		if i >= maxHeaderCount {
			return head{}, fmt.Errorf("too many headers")
		}
		line, err := readLine(r)
		if err != nil {
			return head{}, fmt.Errorf("reading header: %w", err)
		}
		if line == "" {
			return head{startLine: startLine, headers: headers}, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return head{}, fmt.Errorf("malformed header line %q", clip(line))
		}
		// A single space after the colon separates the name from the value;
		// anything beyond it is part of the value and counts towards the
		// field caps.
		value = strings.TrimPrefix(value, " ")
		headers[textproto.CanonicalMIMEHeaderKey(name)] = value
	}
}

// readLine reads one CRLF- or LF-terminated line, failing if it exceeds
// MaxHeaderLen raw bytes.
func readLine(r *bufio.Reader) (string, error) {
	line := make([]byte, 0, 64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return strings.TrimSuffix(string(line), "\r"), nil
		}
		line = append(line, b)
		if len(line) > MaxHeaderLen {
			return "", fmt.Errorf("header line exceeds maximum size=%d", MaxHeaderLen)
		}
	}
}
