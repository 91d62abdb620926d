package dispatch

import (
	"context"
	"encoding/binary"
	"log/slog"
	"testing"

	"github.com/VVlasy/loxone-link-go/internal/devicestate"
	"github.com/VVlasy/loxone-link-go/internal/fragment"
	"github.com/VVlasy/loxone-link-go/internal/natcrypto"
	"github.com/VVlasy/loxone-link-go/internal/natframe"
	"github.com/VVlasy/loxone-link-go/internal/stm32crc"
)

type sentFrame struct {
	command uint8
	data    []byte
}

type fakeDevice struct {
	id       Identity
	state    *devicestate.Machine
	crypto   natcrypto.Config
	natID    uint8
	devNat   uint8
	treeKid  bool
	branch   uint8
	cfg      ConfigRecord
	firmware *FirmwareSession

	sent     []sentFrame
	fragSent []sentFrame
	forwardedTo *natframe.Frame
	cascaded    bool
	fwApplied   uint32
}

func newFakeDevice(serial uint32) *fakeDevice {
	return &fakeDevice{
		id:       Identity{Serial: serial, DeviceType: 0x0013, HWVersion: 1, FWVersion: 0x01020300, DeviceID: [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
		state:    devicestate.New(nil, 0, nil),
		natID:    UnassignedNatId,
		firmware: NewFirmwareSession(),
	}
}

func (f *fakeDevice) Identity() Identity        { return f.id }
func (f *fakeDevice) State() *devicestate.Machine { return f.state }
func (f *fakeDevice) Crypto() natcrypto.Config  { return f.crypto }
func (f *fakeDevice) Logger() *slog.Logger      { return slog.Default() }

func (f *fakeDevice) Send(ctx context.Context, command uint8, data []byte) error {
	f.sent = append(f.sent, sentFrame{command, append([]byte(nil), data...)})
	return nil
}
func (f *fakeDevice) SendFragmented(ctx context.Context, command uint8, data []byte) error {
	f.fragSent = append(f.fragSent, sentFrame{command, append([]byte(nil), data...)})
	return nil
}

func (f *fakeDevice) NatId() uint8      { return f.natID }
func (f *fakeDevice) DeviceNat() uint8  { return f.devNat }
func (f *fakeDevice) IsTreeChild() bool { return f.treeKid }
func (f *fakeDevice) BranchTag() uint8  { return f.branch }

func (f *fakeDevice) ApplyAssignment(natID uint8, parked bool) {
	f.natID = natID
	f.state.OfferConfirmed(parked)
}
func (f *fakeDevice) ForwardToChild(fr natframe.Frame) bool {
	f.forwardedTo = &fr
	return false
}
func (f *fakeDevice) CascadeChildOffers(ctx context.Context) { f.cascaded = true }

func (f *fakeDevice) ConfigRecord() ConfigRecord        { return f.cfg }
func (f *fakeDevice) ApplyConfigRecord(rec ConfigRecord) { f.cfg = rec }

func (f *fakeDevice) Firmware() *FirmwareSession { return f.firmware }
func (f *fakeDevice) ApplyFirmwareUpdate(newFwVersion uint32) {
	f.fwApplied = newFwVersion
	f.id.FWVersion = newFwVersion
}

func TestHandlePingRepliesWithPong(t *testing.T) {
	dev := newFakeDevice(1)
	f := natframe.New(dev.natID, 0, CmdPing, natframe.DirectionServer, false, nil)
	if err := handlePing(context.Background(), dev, f); err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	if len(dev.sent) != 1 || dev.sent[0].command != CmdPong {
		t.Fatalf("expected a single Pong reply, got %+v", dev.sent)
	}
	if len(dev.sent[0].data) != natframe.PayloadSize {
		t.Fatalf("expected 7-byte zero payload, got %d bytes", len(dev.sent[0].data))
	}
}

func TestHandleVersionRequestMatchesOwnSerial(t *testing.T) {
	dev := newFakeDevice(0x12345678)
	payload := []byte{0, 0, 0, 0x78, 0x56, 0x34, 0x12}
	f := natframe.New(dev.natID, 0, CmdVersionRequest, natframe.DirectionServer, false, payload)
	if err := handleVersionRequest(context.Background(), dev, f); err != nil {
		t.Fatalf("handleVersionRequest: %v", err)
	}
	if len(dev.fragSent) != 1 || dev.fragSent[0].command != CmdVersionInfo {
		t.Fatalf("expected a fragmented VersionInfo reply, got %+v", dev.fragSent)
	}
	if len(dev.fragSent[0].data) != 20 {
		t.Fatalf("expected 20-byte identity payload, got %d", len(dev.fragSent[0].data))
	}
}

func TestHandleVersionRequestIgnoresOtherSerial(t *testing.T) {
	dev := newFakeDevice(0x12345678)
	payload := []byte{0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF}
	f := natframe.New(dev.natID, 0, CmdVersionRequest, natframe.DirectionServer, false, payload)
	if err := handleVersionRequest(context.Background(), dev, f); err != nil {
		t.Fatalf("handleVersionRequest: %v", err)
	}
	if len(dev.fragSent) != 0 {
		t.Fatalf("expected no reply for a non-matching serial, got %+v", dev.fragSent)
	}
}

func TestHandleAliveReplies(t *testing.T) {
	dev := newFakeDevice(1)
	dev.state.OfferConfirmed(false)
	f := natframe.New(dev.natID, 0, CmdAlive, natframe.DirectionServer, false, nil)
	if err := handleAlive(context.Background(), dev, f); err != nil {
		t.Fatalf("handleAlive: %v", err)
	}
	if len(dev.sent) != 1 || dev.sent[0].command != CmdAlive {
		t.Fatalf("expected an Alive reply, got %+v", dev.sent)
	}
}

func TestHandleExtensionsOfflineResetsWithoutStateChange(t *testing.T) {
	dev := newFakeDevice(1)
	dev.state.OfferConfirmed(false)
	f := natframe.New(dev.natID, 0, CmdExtensionsOffline, natframe.DirectionServer, false, nil)
	if err := handleExtensionsOffline(context.Background(), dev, f); err != nil {
		t.Fatalf("handleExtensionsOffline: %v", err)
	}
	if dev.state.State() != devicestate.Online {
		t.Fatalf("expected state to remain Online, got %v", dev.state.State())
	}
	if dev.state.IsAuthorized() {
		t.Fatalf("expected is_authorized cleared")
	}
}

func TestHandleNatOfferConfirmAssignsAndEmitsStartInfo(t *testing.T) {
	dev := newFakeDevice(0x12345678)
	payload := []byte{0x07, 0x00, 0x00, 0x78, 0x56, 0x34, 0x12}
	f := natframe.New(0x84, 0, CmdNatOfferConfirm, natframe.DirectionServer, false, payload)
	if err := handleNatOfferConfirm(context.Background(), dev, f); err != nil {
		t.Fatalf("handleNatOfferConfirm: %v", err)
	}
	if dev.natID != 0x07 {
		t.Fatalf("expected NatId 0x07, got %#x", dev.natID)
	}
	if dev.state.State() != devicestate.Online {
		t.Fatalf("expected Online, got %v", dev.state.State())
	}
	if len(dev.fragSent) != 1 || dev.fragSent[0].command != CmdStartInfo {
		t.Fatalf("expected a fragmented StartInfo, got %+v", dev.fragSent)
	}
}

func TestHandleNatOfferConfirmParksWithoutStartInfo(t *testing.T) {
	dev := newFakeDevice(0x12345678)
	payload := []byte{0x07, 0x01, 0x00, 0x78, 0x56, 0x34, 0x12}
	f := natframe.New(0x84, 0, CmdNatOfferConfirm, natframe.DirectionServer, false, payload)
	if err := handleNatOfferConfirm(context.Background(), dev, f); err != nil {
		t.Fatalf("handleNatOfferConfirm: %v", err)
	}
	if dev.state.State() != devicestate.Parked {
		t.Fatalf("expected Parked, got %v", dev.state.State())
	}
	if len(dev.fragSent) != 0 {
		t.Fatalf("expected no StartInfo while parked, got %+v", dev.fragSent)
	}
}

func TestHandleNatOfferConfirmForwardsForOtherSerial(t *testing.T) {
	dev := newFakeDevice(0x12345678)
	dev.treeKid = false
	payload := []byte{0x07, 0x00, 0x00, 0xAA, 0xBB, 0xCC, 0xDD}
	f := natframe.New(0x84, 0, CmdNatOfferConfirm, natframe.DirectionServer, false, payload)
	if err := handleNatOfferConfirm(context.Background(), dev, f); err != nil {
		t.Fatalf("handleNatOfferConfirm: %v", err)
	}
	if dev.forwardedTo == nil {
		t.Fatalf("expected the frame to be forwarded to a child")
	}
	if dev.natID != UnassignedNatId {
		t.Fatalf("own NatId must not change for a non-matching serial")
	}
}

func TestHandleSendConfigStoresAndReplies(t *testing.T) {
	dev := newFakeDevice(1)
	payload := []byte{9, 0, 0, 0, 0x84, 0x03, 0x00, 0x00, 0, 0, 0, 0}
	p := fragment.Payload{Command: CmdSendConfig, Data: payload}
	if err := handleSendConfig(context.Background(), dev, p); err != nil {
		t.Fatalf("handleSendConfig: %v", err)
	}
	if dev.cfg.OfflineTimeoutSeconds != 900 {
		t.Fatalf("expected OfflineTimeoutSeconds=900, got %d", dev.cfg.OfflineTimeoutSeconds)
	}
	if len(dev.sent) != 1 || dev.sent[0].command != CmdConfigEqual {
		t.Fatalf("expected a ConfigEqual reply, got %+v", dev.sent)
	}
}

func TestHandleSearchDevicesRequestSuppressedWhileOffline(t *testing.T) {
	dev := newFakeDevice(1)
	f := natframe.New(UnassignedNatId, 0, CmdSearchDevicesRequest, natframe.DirectionServer, false, nil)
	if err := handleSearchDevicesRequest(context.Background(), dev, f); err != nil {
		t.Fatalf("handleSearchDevicesRequest: %v", err)
	}
	if len(dev.sent) != 0 {
		t.Fatalf("expected no reply while offline, got %+v", dev.sent)
	}
}

func TestHandleSearchDevicesRequestRepliesWhenAssigned(t *testing.T) {
	dev := newFakeDevice(0x12345678)
	dev.state.OfferConfirmed(false)
	dev.branch = 0x01
	f := natframe.New(dev.natID, 0, CmdSearchDevicesRequest, natframe.DirectionServer, false, nil)
	if err := handleSearchDevicesRequest(context.Background(), dev, f); err != nil {
		t.Fatalf("handleSearchDevicesRequest: %v", err)
	}
	if len(dev.sent) != 1 || dev.sent[0].command != CmdSearchDevicesResponse {
		t.Fatalf("expected a SearchDevicesResponse, got %+v", dev.sent)
	}
	if dev.sent[0].data[0] != 0x01 {
		t.Fatalf("expected branch tag echoed, got %#x", dev.sent[0].data[0])
	}
}

func TestHandleCanErrorRequestEchoesBranchID(t *testing.T) {
	dev := newFakeDevice(1)
	f := natframe.New(dev.natID, 0, CmdCanErrorRequest, natframe.DirectionServer, false, []byte{0x02, 0, 0, 0, 0, 0, 0})
	if err := handleCanErrorRequest(context.Background(), dev, f); err != nil {
		t.Fatalf("handleCanErrorRequest: %v", err)
	}
	got := dev.sent[0].data
	if got[0] != 0x02 || got[3] != 0x02 {
		t.Fatalf("expected branch id echoed at bytes 0 and 3, got %v", got)
	}
	if binary.LittleEndian.Uint16(got[1:3]) != 0x8000 {
		t.Fatalf("expected fixed word 0x8000, got %#x", binary.LittleEndian.Uint16(got[1:3]))
	}
}

func TestWebServiceRequestUnknownVerbReplies(t *testing.T) {
	dev := newFakeDevice(1)
	verb := "ver" // fits in the 5 bytes available after the 2-byte header
	payload := make([]byte, natframe.PayloadSize)
	payload[1] = byte(len(verb))
	copy(payload[2:], verb)
	f := natframe.New(dev.natID, 0, CmdWebServiceRequest, natframe.DirectionServer, false, payload)
	if err := handleWebServiceRequest(context.Background(), dev, f); err != nil {
		t.Fatalf("handleWebServiceRequest: %v", err)
	}
	if len(dev.fragSent) != 1 {
		t.Fatalf("expected one fragmented reply, got %d", len(dev.fragSent))
	}
}

func TestCryptChallengeAuthRoundTrip(t *testing.T) {
	dev := newFakeDevice(0x12345678)
	dev.state.OfferConfirmed(true) // Parked, awaiting challenge
	dev.crypto = natcrypto.NewConfig(
		[]byte("encrypted-aes-key-blob"),
		[]byte("encrypted-aes-iv-blob-1"),
		[4]uint32{}, [4]uint32{}, nil,
	)

	key, iv := dev.crypto.ModernSchedule(dev.id.Serial)
	plain := make([]byte, 16)
	binary.LittleEndian.PutUint32(plain[0:4], challengeMagic)
	binary.LittleEndian.PutUint32(plain[4:8], 0xCAFEBABE)
	cipherText, err := natcrypto.Encrypt(key, iv, plain)
	if err != nil {
		t.Fatalf("encrypt request: %v", err)
	}

	p := fragment.Payload{Command: CmdCryptChallengeAuthReq, Data: cipherText}
	if err := handleCryptChallengeAuthRequest(context.Background(), dev, p); err != nil {
		t.Fatalf("handleCryptChallengeAuthRequest: %v", err)
	}

	if !dev.state.IsAuthorized() {
		t.Fatalf("expected is_authorized after a valid challenge")
	}
	if dev.state.State() != devicestate.Online {
		t.Fatalf("expected promotion to Online, got %v", dev.state.State())
	}
	if len(dev.fragSent) != 1 || dev.fragSent[0].command != CmdCryptChallengeAuthReply {
		t.Fatalf("expected a fragmented challenge reply, got %+v", dev.fragSent)
	}

	sessionKey, sessionIV := natcrypto.ChallengeSolve(0xCAFEBABE, dev.id.Serial, dev.id.DeviceID)
	sKey, sIV := natcrypto.SessionSchedule(sessionKey, sessionIV)
	replyPlain, err := natcrypto.Decrypt(sKey, sIV, dev.fragSent[0].data)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if binary.LittleEndian.Uint32(replyPlain[0:4]) != challengeMagic {
		t.Fatalf("expected echoed magic in the reply plaintext")
	}
	for _, b := range replyPlain[8:16] {
		if b != 0xa5 {
			t.Fatalf("expected trailing 0xa5 padding, got %v", replyPlain[8:16])
		}
	}
}

func TestFirmwareUpdateFullCycle(t *testing.T) {
	dev := newFakeDevice(1)
	pageData := []byte("firmware-page-contents-padded-to-16")
	hdr := func(sub uint8, page uint16) []byte {
		h := make([]byte, 12)
		h[1] = sub
		binary.LittleEndian.PutUint16(h[2:4], dev.id.DeviceType)
		binary.LittleEndian.PutUint32(h[4:8], 0x02000000)
		binary.LittleEndian.PutUint16(h[8:10], page)
		return h
	}

	dataPayload := append(hdr(FwSubFirmwareData, 0), pageData...)
	if _, shouldReply, err := dev.firmware.Apply(context.Background(), dev, dataPayload); err != nil || shouldReply {
		t.Fatalf("firmware data: err=%v shouldReply=%v", err, shouldReply)
	}

	crc := crc32OfPage(pageData)
	crcBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBody, crc)
	crcPayload := append(hdr(FwSubFirmwareCrc, 0), crcBody...)
	if _, shouldReply, err := dev.firmware.Apply(context.Background(), dev, crcPayload); err != nil || shouldReply {
		t.Fatalf("firmware crc: err=%v shouldReply=%v", err, shouldReply)
	}

	verifyPayload := hdr(FwSubVerifyUpdate, 0)
	reply, shouldReply, err := dev.firmware.Apply(context.Background(), dev, verifyPayload)
	if err != nil {
		t.Fatalf("firmware verify: %v", err)
	}
	if !shouldReply {
		t.Fatalf("VerifyUpdate must reply")
	}
	if reply[1] != 0x80 {
		t.Fatalf("expected success status 0x80, got %#x", reply[1])
	}
	if dev.fwApplied != 0x02000000 {
		t.Fatalf("expected firmware version applied, got %#x", dev.fwApplied)
	}
	if dev.firmware.State() != FirmwareCompleted {
		t.Fatalf("expected Completed state, got %v", dev.firmware.State())
	}
}

func TestFirmwareUpdateVerifyAndRestartDoesNotReply(t *testing.T) {
	dev := newFakeDevice(1)
	hdr := make([]byte, 12)
	hdr[1] = FwSubFirmwareData
	binary.LittleEndian.PutUint16(hdr[2:4], dev.id.DeviceType)
	dev.firmware.Apply(context.Background(), dev, hdr)

	crcHdr := make([]byte, 12)
	crcHdr[1] = FwSubFirmwareCrc
	binary.LittleEndian.PutUint16(crcHdr[2:4], dev.id.DeviceType)
	crcBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBody, crc32OfPage(nil))
	dev.firmware.Apply(context.Background(), dev, append(crcHdr, crcBody...))

	restartHdr := make([]byte, 12)
	restartHdr[1] = FwSubVerifyAndRestart
	binary.LittleEndian.PutUint16(restartHdr[2:4], dev.id.DeviceType)
	_, shouldReply, err := dev.firmware.Apply(context.Background(), dev, restartHdr)
	if err != nil {
		t.Fatalf("verify and restart: %v", err)
	}
	if shouldReply {
		t.Fatalf("VerifyAndRestart must not reply")
	}
}

func crc32OfPage(data []byte) uint32 {
	return stm32crc.Checksum(stm32crc.Pad(data))
}
