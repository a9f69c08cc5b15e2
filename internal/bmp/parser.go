package bmp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Parse parses a complete BMP message from raw bytes.
func Parse(data []byte) (*ParsedBMP, error) {
	if len(data) < CommonHeaderSize {
		return nil, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}

	version := data[0]
	if version != BMPVersion {
		return nil, fmt.Errorf("bmp: unsupported version %d (expected %d)", version, BMPVersion)
	}

	msgLength := binary.BigEndian.Uint32(data[1:5])
	msgType := data[5]

	if msgLength < uint32(CommonHeaderSize) {
		return nil, fmt.Errorf("bmp: declared msg_length %d smaller than common header size %d", msgLength, CommonHeaderSize)
	}
	if int(msgLength) > len(data) {
		return nil, fmt.Errorf("bmp: declared msg_length %d exceeds available data %d", msgLength, len(data))
	}

	result := &ParsedBMP{
		MsgType:   msgType,
		TableName: "UNKNOWN",
	}

	switch msgType {
	case MsgTypeRouteMonitoring:
		return parseRouteMonitoring(data[CommonHeaderSize:msgLength], result)
	case MsgTypePeerDown:
		return parsePeerDown(data[CommonHeaderSize:msgLength], result)
	case MsgTypePeerUp:
		return parsePeerUp(data[CommonHeaderSize:msgLength], result)
	case MsgTypeTermination:
		result.MsgType = MsgTypeTermination
		return result, nil
	default:
		// Skip other message types.
		return result, nil
	}
}

// ParseAll splits a buffer holding one or more concatenated BMP messages
// (goBMP bundles a whole TCP read into one Kafka record) and parses each
// in turn. A message that fails to parse is skipped; the scan stops at a
// trailing fragment shorter than a common header or at a message whose
// declared length does not fit the buffer. An error (with nil results) is
// returned only when no message could be parsed.
func ParseAll(data []byte) ([]*ParsedBMP, error) {
	var msgs []*ParsedBMP
	var lastErr error
	offset := 0
	for offset < len(data) {
		if len(data)-offset < CommonHeaderSize {
			break
		}
		msgLength := int(binary.BigEndian.Uint32(data[offset+1 : offset+5]))
		if msgLength < CommonHeaderSize || offset+msgLength > len(data) {
			lastErr = fmt.Errorf("bmp: message at offset %d has invalid length %d", offset, msgLength)
			break
		}
		parsed, err := Parse(data[offset : offset+msgLength])
		if err != nil {
			lastErr = fmt.Errorf("bmp: parsing message at offset %d: %w", offset, err)
			offset += msgLength
			continue
		}
		parsed.Offset = offset
		msgs = append(msgs, parsed)
		offset += msgLength
	}
	if len(msgs) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("bmp: no complete BMP message in %d bytes", len(data))
		}
		return nil, lastErr
	}
	return msgs, nil
}

// parsePerPeerHeader decodes the 42-byte per-peer header common to Route
// Monitoring, Peer Up and Peer Down messages (RFC 7854 ยง4.2) into result.
func parsePerPeerHeader(data []byte, result *ParsedBMP) {
	result.PeerType = data[0]
	result.IsPostPolicy = data[1]&PeerFlagPostPolicy != 0
	result.IsLocRIB = result.PeerType == PeerTypeLocRIB

	result.PeerAddress = formatPeerAddress(data[10:26])

	result.PeerAS = binary.BigEndian.Uint32(data[26:30])
	result.PeerBGPID = net.IP(data[30:34]).String()
	result.PeerTimeSec = binary.BigEndian.Uint32(data[34:38])
}

// formatPeerAddress renders the 16-byte per-peer address field. An IPv4
// address is carried as 12 zero bytes followed by the 4 address bytes; an
// all-zero field renders as "0.0.0.0".
func formatPeerAddress(addr []byte) string {
	ip := net.IP(addr)
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	for _, b := range addr[:12] {
		if b != 0 {
			return ip.String()
		}
	}
	return net.IP(addr[12:16]).String()
}

func parseRouteMonitoring(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < 42 {
		return nil, fmt.Errorf("bmp: route monitoring too short for per-peer header (%d bytes)", len(data))
	}

	parsePerPeerHeader(data, result)
	result.PeerFlags = data[1]
	result.HasAddPath = (data[1] & PeerFlagAddPath) != 0

	// After per-peer header (42 bytes), the BGP message follows.
	// But for Loc-RIB, we need to extract the BGP UPDATE first, then parse TLVs after.
	bgpStart := 42

	if bgpStart >= len(data) {
		return nil, fmt.Errorf("bmp: no data after per-peer header")
	}

	// Parse the BGP message to find its end.
	bgpData := data[bgpStart:]

	if result.IsLocRIB {
		// For Loc-RIB (RFC 9069), the structure is:
		// per-peer header (42) + BGP UPDATE + TLVs
		// We need to parse the BGP message header to find its length,
		// then parse TLVs after.
		bgpMsgLen, err := bgpMessageLength(bgpData)
		if err != nil {
			// If we can't parse BGP header, treat all remaining as BGP data.
			result.BGPData = bgpData
			return result, nil
		}

		if bgpMsgLen > len(bgpData) {
			result.BGPData = bgpData
			return result, nil
		}

		result.BGPData = bgpData[:bgpMsgLen]

		// Parse TLVs after BGP message for table name.
		tlvData := bgpData[bgpMsgLen:]
		parseTLVs(tlvData, result)
	} else {
		result.BGPData = bgpData
	}

	return result, nil
}

func parsePeerDown(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < 42 {
		return nil, fmt.Errorf("bmp: peer down too short for per-peer header (%d bytes)", len(data))
	}

	parsePerPeerHeader(data, result)
	if len(data) > 42 {
		result.PeerDownReason = data[42]
	}
	if result.IsLocRIB && len(data) > 43 {
		// A Loc-RIB Peer Down carries TLVs (e.g. table name) after the reason code.
		parseTLVs(data[43:], result)
	}

	return result, nil
}

// parsePeerUp decodes a Peer Up Notification: per-peer header, local
// address/ports, then the Sent OPEN and Received OPEN BGP messages. Only
// the Sent OPEN is inspected, for the router's own ASN/BGP ID (used by
// the Adj-RIB-In side to resolve router identity for non-Loc-RIB peers).
// 4-octet-ASN capability negotiation is not decoded; LocalASN reflects the
// legacy 2-octet my_as field only.
func parsePeerUp(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < 42 {
		return nil, fmt.Errorf("bmp: peer up too short for per-peer header (%d bytes)", len(data))
	}

	parsePerPeerHeader(data, result)

	offset := 42
	// Local address (16) + local port (2) + remote port (2).
	offset += 20
	if offset > len(data) {
		return result, nil
	}

	sentOpenLen, err := bgpMessageLength(data[offset:])
	if err != nil || offset+sentOpenLen > len(data) {
		return result, nil
	}
	sentOpen := data[offset : offset+sentOpenLen]

	// BGP OPEN body starts at byte 19: version(1) my_as(2) hold_time(2) bgp_id(4).
	if len(sentOpen) >= 29 && sentOpen[18] == 1 {
		body := sentOpen[19:]
		result.LocalASN = uint32(binary.BigEndian.Uint16(body[1:3]))
		result.LocalBGPID = net.IP(body[5:9]).String()
	}

	return result, nil
}

// bgpMessageLength reads the length field from a BGP message header.
// BGP header: marker(16) + length(2) + type(1) = 19 bytes minimum.
func bgpMessageLength(data []byte) (int, error) {
	if len(data) < 19 {
		return 0, fmt.Errorf("bmp: bgp message too short (%d bytes)", len(data))
	}
	// Length is at offset 16-17 (after the 16-byte marker).
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < 19 {
		return 0, fmt.Errorf("bmp: invalid bgp message length %d", length)
	}
	return length, nil
}

// parseTLVs extracts Table Name and other TLVs from data following the BGP message.
func parseTLVs(data []byte, result *ParsedBMP) {
	offset := 0
	for offset+4 <= len(data) {
		tlvType := binary.BigEndian.Uint16(data[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4

		if offset+tlvLen > len(data) {
			break
		}

		if tlvType == TLVTypeTableName && tlvLen > 0 {
			result.TableName = string(data[offset : offset+tlvLen])
		}

		offset += tlvLen
	}
}

// RouterIDFromPeerHeader extracts the peer address from a per-peer header for
// logging. When the address field is all zeros (as in a Loc-RIB per-peer
// header) it returns the peer BGP ID instead, and "" when that is zero too
// or the header is shorter than 42 bytes.
func RouterIDFromPeerHeader(data []byte) string {
	if len(data) < 42 {
		return ""
	}
	// Peer address is at offset 1+1+8 = 10, 16 bytes; BGP ID at offset 30.
	if addr := formatPeerAddress(data[10:26]); addr != "0.0.0.0" {
		return addr
	}
	bgpID := net.IP(data[30:34])
	if bgpID.Equal(net.IPv4zero) {
		return ""
	}
	return bgpID.String()
}
