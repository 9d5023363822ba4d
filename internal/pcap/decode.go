package pcap

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/sniffer"
)

// Payload dispatch bytes.
const (
	dispatchMeta = 0x00
	dispatchCPS  = 0x80
)

// Metadata TLV types.
const (
	metaNodeID       = 0x00
	metaNodeLabel    = 0x01
	metaCacheCurrent = 0x02
	metaCacheMax     = 0x03
	metaNewRoute     = 0x04
	metaLostRoute    = 0x05
)

// CPS message types and options.
const (
	cpsPAM     = 0xc0
	cpsNAM     = 0xc1
	cpsSOL     = 0xc2
	cpsOptName = 0x00
)

// NDN TLV types.
const (
	ndnInterest      = 0x05
	ndnData          = 0x06
	ndnName          = 0x07
	ndnNameComponent = 0x08
)

// TimeFormat renders packet timestamps.
const TimeFormat = "2006-01-02T15:04:05.000000"

var (
	leadingJunk = regexp.MustCompile(`^[^A-Za-z0-9]*`)
	idJunk      = regexp.MustCompile(`[^_A-Za-z0-9.-]`)
)

// NetworkRecord is one element of a network architecture message.
type NetworkRecord struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Result is a decoded frame: either a packet record or the network
// records of a metadata frame.
type Result struct {
	Src string
	Dst string

	Packet  *packetlog.Packet
	Network []NetworkRecord

	// Truncated is set when a metadata frame ended in a broken TLV.
	// Records before it are still returned.
	Truncated bool
}

// Decode decodes one 802.15.4 frame. Frames that are not unsecured data
// frames yield ErrNotData; undecodable payloads yield ErrMalformed.
func Decode(f Frame) (Result, error) {
	h, err := ParseMAC(f.Data)
	if err != nil {
		return Result{}, err
	}
	payload := f.Data[h.Len:]
	if len(payload) == 0 {
		return Result{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	res := Result{Src: h.Src, Dst: h.Dst}
	if payload[0] == dispatchMeta {
		res.Network, res.Truncated = decodeMeta(h.Src, payload[1:])
		return res, nil
	}

	pkt := packetlog.Packet{
		Src:  h.Src,
		Dst:  h.Dst,
		Time: f.Time.Local().Format(TimeFormat),
	}
	if payload[0] == dispatchCPS {
		err = decodeCPS(&pkt, payload)
	} else {
		err = decodeNDN(&pkt, payload)
	}
	if err != nil {
		return Result{}, err
	}
	res.Packet = &pkt
	return res, nil
}

// decodeMeta decodes the one-byte type, one-byte length TLVs a node
// sends about itself. Both cache TLVs land in one cache-info record.
func decodeMeta(src string, b []byte) ([]NetworkRecord, bool) {
	var records []NetworkRecord
	var cache *sniffer.CacheInfo

	for len(b) > 0 {
		if len(b) < 2 || len(b) < 2+int(b[1]) {
			return records, true
		}
		typ, value := b[0], b[2:2+int(b[1])]
		b = b[2+int(b[1]):]

		switch typ {
		case metaNodeID:
			records = append(records, NetworkRecord{
				Type:  sniffer.InfoNode,
				Value: sniffer.NodeInfo{ID: nodeID(string(value), src), Addr: src},
			})
		case metaNodeLabel:
		case metaCacheCurrent, metaCacheMax:
			if len(value) == 0 {
				continue
			}
			if cache == nil {
				cache = &sniffer.CacheInfo{Addr: src}
				records = append(records, NetworkRecord{Type: sniffer.InfoCacheInfo, Value: cache})
			}
			n := float64(value[0])
			if typ == metaCacheCurrent {
				cache.Cached = &n
			} else {
				cache.CacheSize = &n
			}
		case metaNewRoute:
			records = append(records, NetworkRecord{
				Type:  sniffer.InfoRoute,
				Value: sniffer.RouteInfo{Src: src, Dst: FormatAddr(value)},
			})
		case metaLostRoute:
			records = append(records, NetworkRecord{
				Type:  sniffer.InfoRouteLost,
				Value: sniffer.RouteInfo{Src: src, Dst: FormatAddr(value)},
			})
		}
	}
	return records, false
}

// nodeID cleans an announced node id for use as a graph key, falling
// back to the sender address.
func nodeID(raw, src string) string {
	id := strings.ToValidUTF8(raw, "")
	id = leadingJunk.ReplaceAllString(id, "")
	id = idJunk.ReplaceAllString(id, "")
	if id == "" {
		return src
	}
	return id
}

// decodeCPS decodes a CPS message: two dispatch bytes, then the message
// type.
func decodeCPS(pkt *packetlog.Packet, b []byte) error {
	if len(b) < 3 {
		return fmt.Errorf("%w: truncated CPS header", ErrMalformed)
	}
	b = b[2:]

	switch b[0] {
	case cpsPAM:
		pkt.Type = "pam"
		// type, 4 bytes padding, little-endian prefix length, prefix
		if len(b) < 7 {
			return fmt.Errorf("%w: truncated PAM header", ErrMalformed)
		}
		n := int(binary.LittleEndian.Uint16(b[5:7]))
		if len(b) < 7+n {
			return fmt.Errorf("%w: PAM prefix of %d bytes exceeds frame", ErrMalformed, n)
		}
		pkt.Label = strings.ToValidUTF8(string(b[7:7+n]), "")
	case cpsNAM:
		pkt.Type = "nam"
		if len(b) > 2 {
			pkt.Label = namName(b[2:])
		}
	case cpsSOL:
		pkt.Type = "sol"
	default:
		pkt.Type = packetlog.TypeUnknown
	}
	return nil
}

// namName scans NAM options (one-byte type, little-endian two-byte
// length) for the name option.
func namName(b []byte) string {
	var name string
	for len(b) >= 3 {
		typ := b[0]
		n := int(binary.LittleEndian.Uint16(b[1:3]))
		if len(b) < 3+n {
			break
		}
		if typ == cpsOptName {
			name = strings.ToValidUTF8(string(b[3:3+n]), "")
		}
		b = b[3+n:]
	}
	return name
}

// decodeNDN decodes an NDN interest or data packet and its name.
func decodeNDN(pkt *packetlog.Packet, b []byte) error {
	typ, value, _, err := readTLV(b)
	if err != nil {
		return err
	}
	switch typ {
	case ndnInterest:
		pkt.Type = "interest"
	case ndnData:
		pkt.Type = "data"
	default:
		return fmt.Errorf("%w: unexpected NDN type %d", ErrMalformed, typ)
	}

	nameType, name, _, err := readTLV(value)
	if err != nil {
		return err
	}
	if nameType != ndnName {
		return fmt.Errorf("%w: NDN packet without name (type %d)", ErrMalformed, nameType)
	}
	pkt.Label, err = parseName(name)
	return err
}

// parseName joins the name components of an NDN name as a URI path.
func parseName(b []byte) (string, error) {
	var sb strings.Builder
	for len(b) > 0 {
		typ, comp, rest, err := readTLV(b)
		if err != nil {
			return "", err
		}
		if typ != ndnNameComponent {
			break
		}
		sb.WriteByte('/')
		sb.WriteString(strings.ToValidUTF8(string(comp), ""))
		b = rest
	}
	if sb.Len() == 0 {
		return "/", nil
	}
	return sb.String(), nil
}

// readTLV reads one NDN TLV with variable-size type and length.
func readTLV(b []byte) (typ uint64, value, rest []byte, err error) {
	typ, n, err := readVarNum(b)
	if err != nil {
		return 0, nil, nil, err
	}
	b = b[n:]
	length, n, err := readVarNum(b)
	if err != nil {
		return 0, nil, nil, err
	}
	b = b[n:]
	if uint64(len(b)) < length {
		return 0, nil, nil, fmt.Errorf("%w: NDN TLV of %d bytes exceeds frame", ErrMalformed, length)
	}
	return typ, b[:length], b[length:], nil
}

// readVarNum reads an NDN variable-size number: one byte below 253,
// otherwise a marker byte followed by a 2, 4 or 8 byte big-endian value.
func readVarNum(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("%w: truncated NDN number", ErrMalformed)
	}
	size := 0
	switch b[0] {
	case 253:
		size = 2
	case 254:
		size = 4
	case 255:
		size = 8
	default:
		return uint64(b[0]), 1, nil
	}
	if len(b) < 1+size {
		return 0, 0, fmt.Errorf("%w: truncated NDN number", ErrMalformed)
	}
	switch size {
	case 2:
		return uint64(binary.BigEndian.Uint16(b[1:])), 3, nil
	case 4:
		return uint64(binary.BigEndian.Uint32(b[1:])), 5, nil
	default:
		return binary.BigEndian.Uint64(b[1:]), 9, nil
	}
}
