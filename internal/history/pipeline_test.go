package history

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/route-beacon/rib-ingester/internal/bgp"
	"github.com/route-beacon/rib-ingester/internal/bmp"
	"github.com/route-beacon/rib-ingester/internal/config"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// --- Test helpers for building OpenBMP / BMP / BGP frames ---

// buildBGPUpdate constructs a BGP UPDATE message with the given components.
func buildBGPUpdate(withdrawn []byte, pathAttrs []byte, nlri []byte) []byte {
	bodyLen := 2 + len(withdrawn) + 2 + len(pathAttrs) + len(nlri)
	totalLen := 19 + bodyLen

	msg := make([]byte, totalLen)
	for i := 0; i < 16; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(totalLen))
	msg[18] = 2 // type = UPDATE

	offset := 19
	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(withdrawn)))
	offset += 2
	copy(msg[offset:], withdrawn)
	offset += len(withdrawn)

	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(pathAttrs)))
	offset += 2
	copy(msg[offset:], pathAttrs)
	offset += len(pathAttrs)

	copy(msg[offset:], nlri)
	return msg
}

// buildPathAttr constructs a single BGP path attribute.
func buildPathAttr(flags byte, typeCode byte, data []byte) []byte {
	if len(data) > 255 {
		attr := make([]byte, 4+len(data))
		attr[0] = flags | 0x10
		attr[1] = typeCode
		binary.BigEndian.PutUint16(attr[2:4], uint16(len(data)))
		copy(attr[4:], data)
		return attr
	}
	attr := make([]byte, 3+len(data))
	attr[0] = flags
	attr[1] = typeCode
	attr[2] = byte(len(data))
	copy(attr[3:], data)
	return attr
}

// buildPerPeerHeader constructs a 42-byte BMP per-peer header.
// peerType: 0=Global, 1=RD, 2=Local, 3=LocRIB
// peerAddr: 4-byte IPv4 address (12 zero bytes + 4 IPv4, per BMP spec).
func buildPerPeerHeader(peerType uint8, peerFlags uint8, peerAddr [4]byte) []byte {
	hdr := make([]byte, 42)
	hdr[0] = peerType
	hdr[1] = peerFlags
	// Distinguisher: 8 bytes at offset 2 (zero)
	// Peer address: 16 bytes at offset 10 (12 zero bytes + 4 IPv4 bytes)
	copy(hdr[22:26], peerAddr[:])
	// AS, BGPID, timestamps at offset 26-41 (zero)
	return hdr
}

// buildBMPRouteMonitoring builds a BMP Route Monitoring message wrapping a BGP UPDATE.
func buildBMPRouteMonitoring(peerType uint8, peerFlags uint8, peerAddr [4]byte, bgpUpdate []byte, tableName string) []byte {
	pph := buildPerPeerHeader(peerType, peerFlags, peerAddr)

	var tlvData []byte
	if tableName != "" {
		tlvData = make([]byte, 4+len(tableName))
		binary.BigEndian.PutUint16(tlvData[0:2], 0) // TLV type = TableName
		binary.BigEndian.PutUint16(tlvData[2:4], uint16(len(tableName)))
		copy(tlvData[4:], tableName)
	}

	msgLen := bmp.CommonHeaderSize + len(pph) + len(bgpUpdate) + len(tlvData)
	msg := make([]byte, msgLen)

	// Common header: version(1) + msg_length(4) + msg_type(1)
	msg[0] = 3 // BMP version
	binary.BigEndian.PutUint32(msg[1:5], uint32(msgLen))
	msg[5] = bmp.MsgTypeRouteMonitoring

	offset := bmp.CommonHeaderSize
	copy(msg[offset:], pph)
	offset += len(pph)
	copy(msg[offset:], bgpUpdate)
	offset += len(bgpUpdate)
	if len(tlvData) > 0 {
		copy(msg[offset:], tlvData)
	}

	return msg
}

// wrapOpenBMP wraps a BMP message in an OpenBMP v2 frame.
func wrapOpenBMP(bmpMsg []byte) []byte {
	frame := make([]byte, bmp.OpenBMPHeaderSize+len(bmpMsg))
	binary.BigEndian.PutUint16(frame[0:2], 2)                    // version = 2
	binary.BigEndian.PutUint32(frame[2:6], 0)                    // collector_hash
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(bmpMsg))) // msg_len
	copy(frame[bmp.OpenBMPHeaderSize:], bmpMsg)
	return frame
}

// newTestHistoryPipeline creates a Pipeline with nil writer for testing processRecord.
func newTestHistoryPipeline() *Pipeline {
	return NewPipeline(nil, 1000, 200, 16*1024*1024, zap.NewNop(), nil)
}

// wrapOpenBMPV17 wraps a BMP message in an OpenBMP v1.7 frame with a router IP.
func wrapOpenBMPV17(bmpMsg []byte, routerIP [4]byte) []byte {
	hdrLen := uint16(78)
	frame := make([]byte, int(hdrLen)+len(bmpMsg))
	binary.BigEndian.PutUint32(frame[0:4], 0x4F424D50) // "OBMP" magic
	frame[4] = 1                                        // major version
	frame[5] = 7                                        // minor version
	binary.BigEndian.PutUint16(frame[6:8], hdrLen)
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(bmpMsg)))
	frame[12] = 0x80 // flags
	frame[13] = 12   // message type: BMP_RAW
	binary.BigEndian.PutUint16(frame[38:40], 0) // admin ID len = 0
	// Router IP at offset 56 (first 4 bytes for IPv4)
	copy(frame[56:60], routerIP[:])
	binary.BigEndian.PutUint16(frame[72:74], 0) // router group len
	binary.BigEndian.PutUint32(frame[74:78], 1) // row count
	copy(frame[hdrLen:], bmpMsg)
	return frame
}

// buildBMPPeerUp constructs a BMP Peer Up message for pipeline tests.
func buildBMPPeerUp(peerType uint8, localASN uint32, use4ByteASN bool) []byte {
	if peerType == bmp.PeerTypeLocRIB {
		totalLen := bmp.CommonHeaderSize + bmp.PerPeerHeaderSize
		msg := make([]byte, totalLen)
		msg[0] = 3 // BMP version
		binary.BigEndian.PutUint32(msg[1:5], uint32(totalLen))
		msg[5] = bmp.MsgTypePeerUp
		msg[bmp.CommonHeaderSize] = peerType
		return msg
	}

	sentOpen := buildBGPOPEN(localASN, use4ByteASN)
	receivedOpen := buildBGPOPEN(65002, false)

	bodyLen := bmp.PerPeerHeaderSize + 16 + 2 + 2 + len(sentOpen) + len(receivedOpen)
	totalLen := bmp.CommonHeaderSize + bodyLen
	msg := make([]byte, totalLen)

	msg[0] = 3 // BMP version
	binary.BigEndian.PutUint32(msg[1:5], uint32(totalLen))
	msg[5] = bmp.MsgTypePeerUp
	msg[bmp.CommonHeaderSize] = peerType

	offset := bmp.CommonHeaderSize + bmp.PerPeerHeaderSize + 16
	binary.BigEndian.PutUint16(msg[offset:offset+2], 179)
	binary.BigEndian.PutUint16(msg[offset+2:offset+4], 179)

	sentOpenOffset := offset + 4
	copy(msg[sentOpenOffset:], sentOpen)
	copy(msg[sentOpenOffset+len(sentOpen):], receivedOpen)
	return msg
}

// buildBGPOPEN constructs a BGP OPEN message with configurable ASN.
func buildBGPOPEN(asn uint32, use4ByteASN bool) []byte {
	var optParams []byte
	if use4ByteASN {
		optParams = make([]byte, 8)
		optParams[0] = 2  // parameter type = Capabilities
		optParams[1] = 6  // parameter length
		optParams[2] = 65 // capability code = 4-byte ASN
		optParams[3] = 4  // capability length
		binary.BigEndian.PutUint32(optParams[4:8], asn)
	}

	totalLen := 29 + len(optParams)
	msg := make([]byte, totalLen)
	for i := 0; i < 16; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(totalLen))
	msg[18] = 1 // type = OPEN
	msg[19] = 4 // version = 4
	if use4ByteASN {
		binary.BigEndian.PutUint16(msg[20:22], 23456)
	} else {
		binary.BigEndian.PutUint16(msg[20:22], uint16(asn))
	}
	binary.BigEndian.PutUint16(msg[22:24], 180) // hold time
	msg[24] = 10; msg[25] = 0; msg[26] = 0; msg[27] = 1 // BGP ID
	msg[28] = uint8(len(optParams))
	copy(msg[29:], optParams)
	return msg
}

// --- C5. History processRecord tests ---

func TestHistoryProcessRecord_BasicRoute(t *testing.T) {
	p := newTestHistoryPipeline()

	// Build a valid BGP UPDATE with one IPv4 prefix: 10.0.0.0/24.
	nlri := []byte{24, 10, 0, 0} // 10.0.0.0/24
	originAttr := buildPathAttr(0x40, bgp.AttrTypeOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, bgp.AttrTypeNextHop, []byte{192, 168, 1, 1})
	asPathData := []byte{
		bgp.ASPathSegmentSequence, 2,
		0, 0, 0xFD, 0xE9, // AS65001
		0, 0, 0xFD, 0xEA, // AS65002
	}
	asPathAttr := buildPathAttr(0x40, bgp.AttrTypeASPath, asPathData)
	pathAttrs := append(originAttr, asPathAttr...)
	pathAttrs = append(pathAttrs, nexthopAttr...)

	bgpUpdate := buildBGPUpdate(nil, pathAttrs, nlri)
	bmpMsg := buildBMPRouteMonitoring(bmp.PeerTypeLocRIB, 0, [4]byte{10, 0, 0, 1}, bgpUpdate, "locrib")
	frame := wrapOpenBMP(bmpMsg)

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	rows := p.processRecord(context.Background(), rec)

	if len(rows) != 1 {
		t.Fatalf("expected 1 HistoryRow, got %d", len(rows))
	}
	row := rows[0]
	if row.Event.Prefix != "10.0.0.0/24" {
		t.Errorf("expected prefix '10.0.0.0/24', got '%s'", row.Event.Prefix)
	}
	if row.Event.AFI != 4 {
		t.Errorf("expected AFI 4, got %d", row.Event.AFI)
	}
	if row.Event.Action != "A" {
		t.Errorf("expected action 'A', got '%s'", row.Event.Action)
	}
	if row.Event.Nexthop != "192.168.1.1" {
		t.Errorf("expected nexthop '192.168.1.1', got '%s'", row.Event.Nexthop)
	}
	if row.Event.ASPath != "65001 65002" {
		t.Errorf("expected as_path '65001 65002', got '%s'", row.Event.ASPath)
	}
	if row.Event.Origin != "IGP" {
		t.Errorf("expected origin 'IGP', got '%s'", row.Event.Origin)
	}
	if row.TableName != "locrib" {
		t.Errorf("expected TableName 'locrib', got '%s'", row.TableName)
	}
	if len(row.EventID) != 32 {
		t.Errorf("expected 32-byte EventID, got %d bytes", len(row.EventID))
	}
	if row.BMPRaw == nil {
		t.Error("expected BMPRaw to be non-nil")
	}
	if row.Topic != "gobmp.raw" {
		t.Errorf("expected Topic 'gobmp.raw', got '%s'", row.Topic)
	}
}

func TestHistoryProcessRecord_NonLocRIBPeerFields(t *testing.T) {
	p := newTestHistoryPipeline()

	// Build with peer_type=0 (Global). Non-Loc-RIB is now processed for history.
	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, bgp.AttrTypeOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, bgp.AttrTypeNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, nexthopAttr...)
	bgpUpdate := buildBGPUpdate(nil, pathAttrs, nlri)

	// Non-Loc-RIB Route Monitoring with post-policy flag (L-bit).
	bmpMsg := buildBMPRouteMonitoring(bmp.PeerTypeGlobal, bmp.PeerFlagPostPolicy, [4]byte{10, 0, 0, 1}, bgpUpdate, "")
	// Set PeerAS (65001) at BMP offset 6+26=32 and PeerBGPID (10.0.0.1) at 6+30=36.
	binary.BigEndian.PutUint32(bmpMsg[32:36], 65001)
	bmpMsg[36] = 10; bmpMsg[37] = 0; bmpMsg[38] = 0; bmpMsg[39] = 1
	frame := wrapOpenBMPV17(bmpMsg, [4]byte{10, 0, 0, 2})

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	rows := p.processRecord(context.Background(), rec)

	if len(rows) != 1 {
		t.Fatalf("expected 1 row for non-Loc-RIB peer, got %d", len(rows))
	}
	row := rows[0]
	if row.IsLocRIB {
		t.Error("expected IsLocRIB=false for Global peer")
	}
	if row.PeerAddress != "10.0.0.1" {
		t.Errorf("expected PeerAddress '10.0.0.1', got '%s'", row.PeerAddress)
	}
	if row.PeerAS != 65001 {
		t.Errorf("expected PeerAS 65001, got %d", row.PeerAS)
	}
	if row.PeerBGPID != "10.0.0.1" {
		t.Errorf("expected PeerBGPID '10.0.0.1', got '%s'", row.PeerBGPID)
	}
	if !row.IsPostPolicy {
		t.Error("expected IsPostPolicy=true for L-flag=1 peer")
	}
	if row.Event.Prefix != "10.0.0.0/24" {
		t.Errorf("expected prefix '10.0.0.0/24', got '%s'", row.Event.Prefix)
	}
	if row.Event.Action != "A" {
		t.Errorf("expected action 'A', got '%s'", row.Event.Action)
	}
}

func TestHistoryProcessRecord_SkipEOR(t *testing.T) {
	p := newTestHistoryPipeline()

	// Empty BGP UPDATE = IPv4 EOR marker. Should produce 0 events from
	// ParseUpdateAutoDetect, so the pipeline skips it.
	bgpUpdate := buildBGPUpdate(nil, nil, nil)
	bmpMsg := buildBMPRouteMonitoring(bmp.PeerTypeLocRIB, 0, [4]byte{10, 0, 0, 1}, bgpUpdate, "locrib")
	frame := wrapOpenBMP(bmpMsg)

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	rows := p.processRecord(context.Background(), rec)

	if len(rows) != 0 {
		t.Errorf("expected 0 rows for EOR marker, got %d", len(rows))
	}
}

func TestHistoryProcessRecord_MultiPrefix(t *testing.T) {
	p := newTestHistoryPipeline()

	// 3 IPv4 announcements in a single UPDATE.
	nlri := []byte{
		24, 10, 0, 0, // 10.0.0.0/24
		24, 10, 0, 1, // 10.0.1.0/24
		24, 10, 0, 2, // 10.0.2.0/24
	}
	originAttr := buildPathAttr(0x40, bgp.AttrTypeOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, bgp.AttrTypeNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, nexthopAttr...)
	bgpUpdate := buildBGPUpdate(nil, pathAttrs, nlri)

	bmpMsg := buildBMPRouteMonitoring(bmp.PeerTypeLocRIB, 0, [4]byte{10, 0, 0, 1}, bgpUpdate, "locrib")
	frame := wrapOpenBMP(bmpMsg)

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	rows := p.processRecord(context.Background(), rec)

	if len(rows) != 3 {
		t.Fatalf("expected 3 HistoryRows, got %d", len(rows))
	}

	// Verify all 3 prefixes are present.
	prefixes := make(map[string]bool)
	for _, row := range rows {
		prefixes[row.Event.Prefix] = true
	}
	for _, expected := range []string{"10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24"} {
		if !prefixes[expected] {
			t.Errorf("expected prefix '%s' in results", expected)
		}
	}

	// C1 fix verification: each row must have a DIFFERENT EventID.
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			if bytes.Equal(rows[i].EventID, rows[j].EventID) {
				t.Errorf("rows[%d] and rows[%d] have the same EventID (prefix=%s, prefix=%s) -- per-prefix event IDs broken",
					i, j, rows[i].Event.Prefix, rows[j].Event.Prefix)
			}
		}
	}
}

func TestHistoryProcessRecord_MultiMessage(t *testing.T) {
	p := newTestHistoryPipeline()

	// Build two separate BMP Route Monitoring messages, each with one prefix,
	// and concatenate them in a single OpenBMP frame.
	nlri1 := []byte{24, 10, 0, 0} // 10.0.0.0/24
	originAttr := buildPathAttr(0x40, bgp.AttrTypeOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, bgp.AttrTypeNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, nexthopAttr...)
	bgpUpdate1 := buildBGPUpdate(nil, pathAttrs, nlri1)
	bmpMsg1 := buildBMPRouteMonitoring(bmp.PeerTypeLocRIB, 0, [4]byte{10, 0, 0, 1}, bgpUpdate1, "locrib")

	nlri2 := []byte{16, 172, 16} // 172.16.0.0/16
	bgpUpdate2 := buildBGPUpdate(nil, pathAttrs, nlri2)
	bmpMsg2 := buildBMPRouteMonitoring(bmp.PeerTypeLocRIB, 0, [4]byte{10, 0, 0, 1}, bgpUpdate2, "locrib")

	// Concatenate two BMP messages in one payload.
	combined := make([]byte, 0, len(bmpMsg1)+len(bmpMsg2))
	combined = append(combined, bmpMsg1...)
	combined = append(combined, bmpMsg2...)

	// Wrap the concatenated BMP messages in a single OpenBMP frame.
	frame := make([]byte, bmp.OpenBMPHeaderSize+len(combined))
	binary.BigEndian.PutUint16(frame[0:2], 2)
	binary.BigEndian.PutUint32(frame[2:6], 0)
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(combined)))
	copy(frame[bmp.OpenBMPHeaderSize:], combined)

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	rows := p.processRecord(context.Background(), rec)

	if len(rows) != 2 {
		t.Fatalf("expected 2 HistoryRows from 2 BMP messages, got %d", len(rows))
	}

	prefixes := make(map[string]bool)
	for _, row := range rows {
		prefixes[row.Event.Prefix] = true
	}
	if !prefixes["10.0.0.0/24"] {
		t.Error("expected prefix '10.0.0.0/24' from first BMP message")
	}
	if !prefixes["172.16.0.0/16"] {
		t.Error("expected prefix '172.16.0.0/16' from second BMP message")
	}
}

// --- Peer Up ASN pipeline tests ---

func TestHistoryProcessRecord_PeerUpASN(t *testing.T) {
	p := newTestHistoryPipeline()

	// Build a non-Loc-RIB Peer Up with ASN 65001.
	peerUpMsg := buildBMPPeerUp(bmp.PeerTypeGlobal, 65001, false)
	frame := wrapOpenBMPV17(peerUpMsg, [4]byte{10, 0, 0, 1})

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	rows := p.processRecord(context.Background(), rec)

	// Peer Up should not produce route rows.
	if len(rows) != 0 {
		t.Errorf("expected 0 rows for Peer Up, got %d", len(rows))
	}

	// ASN should be cached for this router.
	if p.asnCache["10.0.0.1"] != 65001 {
		t.Errorf("expected asnCache[10.0.0.1]=65001, got %d", p.asnCache["10.0.0.1"])
	}
}

func TestHistoryProcessRecord_PeerUpASN_CacheHit(t *testing.T) {
	p := newTestHistoryPipeline()

	peerUpMsg := buildBMPPeerUp(bmp.PeerTypeGlobal, 65001, false)
	frame := wrapOpenBMPV17(peerUpMsg, [4]byte{10, 0, 0, 1})

	// First Peer Up — populates cache.
	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	p.processRecord(context.Background(), rec)

	if p.asnCache["10.0.0.1"] != 65001 {
		t.Fatalf("expected asnCache populated after first Peer Up")
	}

	// Second Peer Up with same ASN — cache hit, no UpsertRouter call.
	// (If UpsertRouter were called with nil pool, it would panic.)
	p.processRecord(context.Background(), rec)

	// Cache should still have the same value.
	if p.asnCache["10.0.0.1"] != 65001 {
		t.Errorf("expected asnCache unchanged, got %d", p.asnCache["10.0.0.1"])
	}
}

func TestHistoryProcessRecord_PeerUpASN_DifferentASN(t *testing.T) {
	p := newTestHistoryPipeline()

	// First Peer Up with ASN 65001.
	frame1 := wrapOpenBMPV17(buildBMPPeerUp(bmp.PeerTypeGlobal, 65001, false), [4]byte{10, 0, 0, 1})
	p.processRecord(context.Background(), &kgo.Record{Value: frame1, Topic: "gobmp.raw"})

	if p.asnCache["10.0.0.1"] != 65001 {
		t.Fatalf("expected asnCache=65001 after first Peer Up")
	}

	// Before the second Peer Up arrives the cache still holds the old ASN.
	if p.asnCache["10.0.0.1"] == 65100 {
		t.Error("cache should not have 65100 yet")
	}

	// Second Peer Up with different ASN 65100 — cache miss (AS migration).
	// With no writer the pipeline takes its no-db path and updates the cache.
	frame2 := wrapOpenBMPV17(buildBMPPeerUp(bmp.PeerTypeGlobal, 65100, false), [4]byte{10, 0, 0, 1})
	p.processRecord(context.Background(), &kgo.Record{Value: frame2, Topic: "gobmp.raw"})

	if p.asnCache["10.0.0.1"] != 65100 {
		t.Errorf("expected asnCache=65100 after second Peer Up, got %d", p.asnCache["10.0.0.1"])
	}
}

func TestHistoryProcessRecord_PeerUpLocRIB_NoASN(t *testing.T) {
	p := newTestHistoryPipeline()

	// Build a Loc-RIB Peer Up. Should not trigger ASN extraction.
	peerUpMsg := buildBMPPeerUp(bmp.PeerTypeLocRIB, 0, false)
	frame := wrapOpenBMPV17(peerUpMsg, [4]byte{10, 0, 0, 1})

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	rows := p.processRecord(context.Background(), rec)

	if len(rows) != 0 {
		t.Errorf("expected 0 rows for Loc-RIB Peer Up, got %d", len(rows))
	}

	// ASN cache should remain empty — no ASN extraction for Loc-RIB.
	if len(p.asnCache) != 0 {
		t.Errorf("expected empty asnCache for Loc-RIB Peer Up, got %v", p.asnCache)
	}
}

func TestHistoryProcessRecord_LocRIBPeerUp_RegistersRouter(t *testing.T) {
	p := newTestHistoryPipeline()

	// Build a Loc-RIB Peer Up with BGP ID 10.0.0.2 in per-peer header.
	peerUpMsg := buildBMPPeerUp(bmp.PeerTypeLocRIB, 0, false)
	// BGP ID at common header (6) + per-peer header offset 30 = 36
	peerUpMsg[36] = 10
	peerUpMsg[37] = 0
	peerUpMsg[38] = 0
	peerUpMsg[39] = 2

	// OBMP router IP is 0.0.0.0 for Loc-RIB (peer address is zeros).
	// The handler should use the BGP ID, not the OBMP IP.
	frame := wrapOpenBMPV17(peerUpMsg, [4]byte{0, 0, 0, 0})

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	rows := p.processRecord(context.Background(), rec)

	if len(rows) != 0 {
		t.Errorf("expected 0 route rows for Loc-RIB Peer Up, got %d", len(rows))
	}

	// No ASN cache entry — Loc-RIB Peer Up has no ASN.
	if len(p.asnCache) != 0 {
		t.Errorf("expected empty asnCache, got %v", p.asnCache)
	}
}

func TestHistoryProcessRecord_PeerUp4ByteASN(t *testing.T) {
	p := newTestHistoryPipeline()

	// Build a non-Loc-RIB Peer Up with 4-byte ASN 400000.
	peerUpMsg := buildBMPPeerUp(bmp.PeerTypeGlobal, 400000, true)
	frame := wrapOpenBMPV17(peerUpMsg, [4]byte{10, 0, 0, 1})

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	p.processRecord(context.Background(), rec)

	if p.asnCache["10.0.0.1"] != 400000 {
		t.Errorf("expected asnCache[10.0.0.1]=400000, got %d", p.asnCache["10.0.0.1"])
	}
}

func TestHistoryPipeline_RouterMetaStored(t *testing.T) {
	meta := map[string]config.RouterMeta{
		"10.0.0.2": {Name: "bgp-router-ceos", Location: "docker-lab"},
	}
	p := NewPipeline(nil, 1000, 200, 16*1024*1024, zap.NewNop(), meta)

	got, ok := p.routerMeta["10.0.0.2"]
	if !ok {
		t.Fatal("expected routerMeta to contain 10.0.0.2")
	}
	if got.Name != "bgp-router-ceos" {
		t.Errorf("expected Name 'bgp-router-ceos', got %q", got.Name)
	}
	if got.Location != "docker-lab" {
		t.Errorf("expected Location 'docker-lab', got %q", got.Location)
	}
}

func TestHistoryPipeline_NilRouterMetaDefaultsToEmptyMap(t *testing.T) {
	p := NewPipeline(nil, 1000, 200, 16*1024*1024, zap.NewNop(), nil)
	if p.routerMeta == nil {
		t.Fatal("expected routerMeta to be initialized, got nil")
	}
	if len(p.routerMeta) != 0 {
		t.Errorf("expected empty routerMeta, got %d entries", len(p.routerMeta))
	}
}

func TestHistoryProcessRecord_PeerUpASN_UsesBGPIDNotOBMPIP(t *testing.T) {
	p := newTestHistoryPipeline()

	// Simulate goBMP bug: the OBMP header's router IP is the monitored
	// peer's address (172.30.0.30), NOT the BMP speaker (10.0.0.1).
	// The Sent OPEN's BGP ID (10.0.0.1) is the speaker's real identity.
	peerUpMsg := buildBMPPeerUp(bmp.PeerTypeGlobal, 65002, false)
	frame := wrapOpenBMPV17(peerUpMsg, [4]byte{172, 30, 0, 30}) // wrong IP in OBMP

	rec := &kgo.Record{Value: frame, Topic: "gobmp.raw"}
	p.processRecord(context.Background(), rec)

	// ASN must be cached under the BGP ID (10.0.0.1), not the OBMP IP (172.30.0.30).
	if p.asnCache["10.0.0.1"] != 65002 {
		t.Errorf("expected asnCache[10.0.0.1]=65002, got %d", p.asnCache["10.0.0.1"])
	}
	if _, exists := p.asnCache["172.30.0.30"]; exists {
		t.Error("ASN should NOT be cached under OBMP peer IP 172.30.0.30")
	}
}
