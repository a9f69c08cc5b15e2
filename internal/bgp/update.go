package bgp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ParseUpdate parses a whole BGP UPDATE message; data starts with the
// 19-byte BGP header, which is checked for the message type and skipped.
// Returns a list of route events, one per prefix found in the UPDATE.
func ParseUpdate(data []byte, hasAddPath bool) ([]*RouteEvent, error) {
	// Skip the 16-byte marker + 2-byte length + 1-byte type = 19 byte header.
	if len(data) < BGPHeaderSize {
		return nil, fmt.Errorf("bgp: update too short (%d bytes)", len(data))
	}

	msgType := data[18]
	if msgType != 2 { // UPDATE = 2
		return nil, nil // Not an UPDATE message; skip.
	}

	payload := data[BGPHeaderSize:]
	return parseUpdatePayload(payload, hasAddPath)
}

// ParseUpdateAutoDetect parses a BGP UPDATE the same way as ParseUpdate, but
// when the NLRI/withdrawn sections fail to parse cleanly under the BMP
// per-peer header's Add-Path flag, it retries with the flag inverted. Some
// routers send Add-Path encoded NLRI without setting the F-bit in the BMP
// per-peer header (RFC 9069 non-compliance); this is the safety net referred
// to by PeerFlagAddPath. Returns the events and the Add-Path mode that
// actually parsed.
func ParseUpdateAutoDetect(data []byte, hasAddPath bool) ([]*RouteEvent, bool, error) {
	events, err := ParseUpdate(data, hasAddPath)
	if err == nil {
		return events, hasAddPath, nil
	}

	altEvents, altErr := ParseUpdate(data, !hasAddPath)
	if altErr == nil {
		return altEvents, !hasAddPath, nil
	}

	return nil, hasAddPath, err
}

// DetectEORAFI identifies the address family of an End-of-RIB marker: an
// UPDATE with no withdrawn routes, no NLRI, and either no path attributes
// (IPv4) or a single empty MP_UNREACH_NLRI attribute (RFC 4724, any other
// AFI).
func DetectEORAFI(data []byte) int {
	if len(data) < BGPHeaderSize {
		return 4
	}
	payload := data[BGPHeaderSize:]
	if len(payload) < 4 {
		return 4
	}

	withdrawnLen := int(binary.BigEndian.Uint16(payload[0:2]))
	offset := 2 + withdrawnLen
	if offset+2 > len(payload) {
		return 4
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if totalPathAttrLen == 0 || offset+totalPathAttrLen > len(payload) {
		return 4
	}

	attrs, err := ParsePathAttributes(payload[offset:offset+totalPathAttrLen], false)
	if err != nil {
		return 4
	}
	if afi := afiToVersion(attrs.MPUnreachAFI); afi != 0 {
		return afi
	}
	return 4
}

func parseUpdatePayload(data []byte, hasAddPath bool) ([]*RouteEvent, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bgp: update payload too short (%d bytes)", len(data))
	}

	offset := 0

	// Withdrawn routes length.
	withdrawnLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+withdrawnLen > len(data) {
		return nil, fmt.Errorf("bgp: withdrawn length %d exceeds data", withdrawnLen)
	}

	// Parse IPv4 withdrawn routes → action 'D'.
	withdrawnPrefixes, err := parsePrefixes(data[offset:offset+withdrawnLen], 4, hasAddPath)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse withdrawn routes: %w", err)
	}
	offset += withdrawnLen

	// Total path attribute length.
	if offset+2 > len(data) {
		return nil, fmt.Errorf("bgp: no room for path attr length")
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+totalPathAttrLen > len(data) {
		return nil, fmt.Errorf("bgp: path attr length %d exceeds data", totalPathAttrLen)
	}

	// Parse path attributes.
	attrs, err := ParsePathAttributes(data[offset:offset+totalPathAttrLen], hasAddPath)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse path attrs: %w", err)
	}
	offset += totalPathAttrLen

	// Parse IPv4 NLRI → action 'A'.
	nlriPrefixes, err := parsePrefixes(data[offset:], 4, hasAddPath)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse NLRI: %w", err)
	}

	var events []*RouteEvent

	// Build withdrawal events.
	for _, p := range withdrawnPrefixes {
		events = append(events, &RouteEvent{
			AFI:    4,
			Prefix: p.Prefix,
			PathID: p.PathID,
			Action: "D",
		})
	}

	// Build announcement events with attributes.
	for _, p := range nlriPrefixes {
		events = append(events, &RouteEvent{
			AFI:       4,
			Prefix:    p.Prefix,
			PathID:    p.PathID,
			Action:    "A",
			Nexthop:   attrs.Nexthop,
			ASPath:    attrs.ASPath,
			Origin:    attrs.Origin,
			LocalPref: attrs.LocalPref,
			MED:       attrs.MED,
			CommStd:   attrs.CommStd,
			CommExt:   attrs.CommExt,
			CommLarge: attrs.CommLarge,
			Attrs:     attrs.Attrs,
		})
	}

	// MP_REACH_NLRI announcements (IPv4/IPv6).
	if afi := afiToVersion(attrs.MPReachAFI); afi != 0 {
		for _, p := range attrs.MPReachNLRI {
			events = append(events, &RouteEvent{
				AFI:       afi,
				Prefix:    p.Prefix,
				PathID:    p.PathID,
				Action:    "A",
				Nexthop:   attrs.MPReachNexthop,
				ASPath:    attrs.ASPath,
				Origin:    attrs.Origin,
				LocalPref: attrs.LocalPref,
				MED:       attrs.MED,
				CommStd:   attrs.CommStd,
				CommExt:   attrs.CommExt,
				CommLarge: attrs.CommLarge,
				Attrs:     attrs.Attrs,
			})
		}
	}

	// MP_UNREACH_NLRI withdrawals (IPv4/IPv6).
	if afi := afiToVersion(attrs.MPUnreachAFI); afi != 0 {
		for _, p := range attrs.MPUnreachNLRI {
			events = append(events, &RouteEvent{
				AFI:    afi,
				Prefix: p.Prefix,
				PathID: p.PathID,
				Action: "D",
			})
		}
	}

	return events, nil
}

func parsePrefixesV4(data []byte, hasAddPath bool) []PrefixInfo {
	var prefixes []PrefixInfo
	offset := 0
	for offset < len(data) {
		var pathID int64
		if hasAddPath {
			if offset+4 > len(data) {
				break
			}
			pathID = int64(binary.BigEndian.Uint32(data[offset : offset+4]))
			offset += 4
		}
		if offset >= len(data) {
			break
		}
		prefixLen := int(data[offset])
		offset++
		byteLen := (prefixLen + 7) / 8
		if offset+byteLen > len(data) {
			break
		}
		ipBytes := make([]byte, 4)
		copy(ipBytes, data[offset:offset+byteLen])
		offset += byteLen
		ip := net.IP(ipBytes)
		prefixes = append(prefixes, PrefixInfo{
			Prefix: fmt.Sprintf("%s/%d", ip.String(), prefixLen),
			PathID: pathID,
		})
	}
	return prefixes
}
