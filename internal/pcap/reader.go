// Package pcap turns a PCAP capture of IEEE 802.15.4 traffic into the
// sniffer messages the dashboard consumes: packet records for NDN and
// CPS frames, and network architecture records for the metadata frames
// nodes broadcast about themselves.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Supported link types.
const (
	LinkTypeIEEE802154      = layers.LinkType(195) // 802.15.4 MAC with FCS
	LinkTypeIEEE802154NoFCS = layers.LinkType(230) // 802.15.4 MAC without FCS
	LinkTypeLinuxSLL        = layers.LinkTypeLinuxSLL
)

const (
	fcsLen = 2
	sllLen = 16

	// sllProtoIEEE802154 is the Linux cooked-capture protocol of
	// 802.15.4 frames.
	sllProtoIEEE802154 = 0x00f6
)

// ErrLinkType is returned for captures that do not carry 802.15.4 MAC
// frames.
var ErrLinkType = errors.New("pcap does not contain IEEE 802.15.4 MAC frames")

// Frame is one captured 802.15.4 MAC frame with the FCS removed.
type Frame struct {
	Time time.Time
	Data []byte
}

// Reader reads 802.15.4 frames from a PCAP stream.
type Reader struct {
	r        *pcapgo.Reader
	linkType layers.LinkType
	logger   *slog.Logger
}

// NewReader reads the PCAP file header from r and checks the link type.
func NewReader(r io.Reader, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}

	lt := pr.LinkType()
	switch lt {
	case LinkTypeIEEE802154, LinkTypeIEEE802154NoFCS, LinkTypeLinuxSLL:
	default:
		return nil, fmt.Errorf("%w (link type %d)", ErrLinkType, lt)
	}

	logger.Debug("pcap stream opened", "link_type", int(lt))
	return &Reader{r: pr, linkType: lt, logger: logger}, nil
}

// LinkType returns the capture's link type.
func (r *Reader) LinkType() layers.LinkType { return r.linkType }

// Next returns the next 802.15.4 frame. Cooked-capture records of other
// protocols are skipped. It returns io.EOF at the end of the stream.
func (r *Reader) Next() (Frame, error) {
	for {
		data, ci, err := r.r.ReadPacketData()
		if err != nil {
			return Frame{}, err
		}

		if r.linkType == LinkTypeLinuxSLL {
			if len(data) < sllLen {
				r.logger.Debug("short cooked capture record skipped", "len", len(data))
				continue
			}
			if proto := binary.BigEndian.Uint16(data[14:sllLen]); proto != sllProtoIEEE802154 {
				r.logger.Debug("non 802.15.4 cooked capture record skipped", "protocol", fmt.Sprintf("%04x", proto))
				continue
			}
			data = data[sllLen:]
		}

		if r.linkType != LinkTypeIEEE802154NoFCS {
			if len(data) < fcsLen {
				r.logger.Debug("frame shorter than its FCS skipped", "len", len(data))
				continue
			}
			data = data[:len(data)-fcsLen]
		}

		return Frame{Time: ci.Timestamp, Data: data}, nil
	}
}
