package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/VVlasy/loxone-link-go/internal/devicestate"
	"github.com/VVlasy/loxone-link-go/internal/fragment"
	"github.com/VVlasy/loxone-link-go/internal/natcrypto"
	"github.com/VVlasy/loxone-link-go/internal/natframe"
)

// BuildIdentityPayload builds the 20-byte identity block shared by StartInfo
// and VersionInfo: fwVersion(4 LE) | 0000_0000 | configCrc(4 LE) |
// serial(4 LE) | resetReason(1) | deviceType(2 LE) | hwVersion(1).
func BuildIdentityPayload(dev Device, reason ResetReason) []byte {
	id := dev.Identity()
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], id.FWVersion)
	binary.LittleEndian.PutUint32(buf[8:12], dev.ConfigRecord().ConfigurationCrc())
	binary.LittleEndian.PutUint32(buf[12:16], id.Serial)
	buf[16] = byte(reason)
	binary.LittleEndian.PutUint16(buf[17:19], id.DeviceType)
	buf[19] = id.HWVersion
	return buf
}

func handleVersionRequest(ctx context.Context, dev Device, f natframe.Frame) error {
	if f.Val32() != dev.Identity().Serial {
		return nil
	}
	return dev.SendFragmented(ctx, CmdVersionInfo, BuildIdentityPayload(dev, ResetPairing))
}

func handlePing(ctx context.Context, dev Device, f natframe.Frame) error {
	return dev.Send(ctx, CmdPong, make([]byte, natframe.PayloadSize))
}

// BuildAlivePayload builds the periodic keep-alive payload: reset reason,
// config version, a reserved zero byte, and the device's ConfigurationCrc.
func BuildAlivePayload(dev Device) []byte {
	rec := dev.ConfigRecord()
	crc := rec.ConfigurationCrc()
	return []byte{
		byte(ResetAlivePackage),
		rec.ConfigVersion, 0,
		byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24),
	}
}

func handleAlive(ctx context.Context, dev Device, f natframe.Frame) error {
	dev.State().ResetOfflineCountdown()
	return dev.Send(ctx, CmdAlive, BuildAlivePayload(dev))
}

func handleExtensionsOffline(ctx context.Context, dev Device, f natframe.Frame) error {
	dev.State().ExtensionsOffline()
	return nil
}

func handleTimeSync(ctx context.Context, dev Device, f natframe.Frame) error {
	dev.Logger().Debug("time sync received")
	return nil
}

func handleIdentify(ctx context.Context, dev Device, f natframe.Frame) error {
	serial := f.Val32()
	switch {
	case serial == dev.Identity().Serial:
		dev.Logger().Info("identify: enter")
	case serial == 0:
		dev.Logger().Info("identify: leave")
	}
	return nil
}

func handleIdentifyUnknown(ctx context.Context, dev Device, f natframe.Frame) error {
	dev.State().ClearExtensionsOfflineLatch()
	if dev.State().State() == devicestate.Offline {
		dev.State().ResumeOffers()
	} else {
		dev.CascadeChildOffers(ctx)
	}
	return nil
}

func handleSearchDevicesRequest(ctx context.Context, dev Device, f natframe.Frame) error {
	if dev.State().State() == devicestate.Offline {
		return nil
	}
	id := dev.Identity()
	payload := []byte{
		dev.BranchTag(),
		byte(id.DeviceType), byte(id.DeviceType >> 8),
		byte(id.Serial), byte(id.Serial >> 8), byte(id.Serial >> 16), byte(id.Serial >> 24),
	}
	return dev.Send(ctx, CmdSearchDevicesResponse, payload)
}

func handleCanDiagnosticsRequest(ctx context.Context, dev Device, f natframe.Frame) error {
	branchID := f.B0()
	payload := []byte{branchID, 0, 0, 0, 0, 0, 0}
	return dev.Send(ctx, CmdCanDiagnosticsReply, payload)
}

// handleCanErrorRequest replies literally per SPEC_FULL.md §4.6: branch id
// echoed at byte 0, the fixed word 0x8000 at bytes 1-2 (Val16), and the
// branch id widened to u32 at bytes 3-6 (Val32).
func handleCanErrorRequest(ctx context.Context, dev Device, f natframe.Frame) error {
	branchID := f.B0()
	payload := []byte{
		branchID,
		0x00, 0x80,
		branchID, 0, 0, 0,
	}
	return dev.Send(ctx, CmdCanErrorReply, payload)
}

func buildWebServiceReply(text string) []byte {
	body := []byte(text)
	out := make([]byte, 0, len(body)+3)
	out = append(out, 0x00, byte(len(body)+1))
	out = append(out, body...)
	out = append(out, 0x00)
	return out
}

func handleWebServiceRequest(ctx context.Context, dev Device, f natframe.Frame) error {
	if len(f.Data) < 2 {
		return nil
	}
	length := int(f.Data[1])
	available := len(f.Data) - 2
	if length > available {
		length = available
	}
	verb := string(f.Data[2 : 2+length])

	var resp string
	switch verb {
	case "version":
		resp = fmt.Sprintf("fw=%d hw=%d", dev.Identity().FWVersion, dev.Identity().HWVersion)
	case "statistics":
		resp = "statistics: ok"
	case "techreport":
		resp = "techreport: ok"
	case "reboot":
		resp = "rebooting"
	case "forceupdate":
		resp = "forcing update"
	default:
		resp = "Unknown command: " + verb
	}
	return dev.SendFragmented(ctx, CmdWebServiceRequest, buildWebServiceReply(resp))
}

func handleNatOfferConfirm(ctx context.Context, dev Device, f natframe.Frame) error {
	natID := f.B0()
	parked := f.Data[1] != 0
	serial := f.Val32()

	if serial != dev.Identity().Serial {
		dev.ForwardToChild(f)
		return nil
	}

	dev.ApplyAssignment(natID, parked)
	if !parked {
		return dev.SendFragmented(ctx, CmdStartInfo, BuildIdentityPayload(dev, ResetPowerOnReset))
	}
	return nil
}

func handleSendConfig(ctx context.Context, dev Device, p fragment.Payload) error {
	rec, err := ParseConfigRecord(p.Data)
	if err != nil {
		dev.Logger().Warn("send config: short payload", "err", err)
		return nil
	}
	dev.ApplyConfigRecord(rec)
	return dev.Send(ctx, CmdConfigEqual, make([]byte, natframe.PayloadSize))
}

const challengeMagic uint32 = 0xDEADBEEF

func handleCryptChallengeAuthRequest(ctx context.Context, dev Device, p fragment.Payload) error {
	key, iv := dev.Crypto().ModernSchedule(dev.Identity().Serial)
	n := len(p.Data) - len(p.Data)%16
	if n < 16 {
		dev.Logger().Warn("challenge auth: payload too short")
		return nil
	}
	plain, err := natcrypto.Decrypt(key, iv, p.Data[:n])
	if err != nil {
		dev.State().ChallengeFailed()
		return err
	}
	if binary.LittleEndian.Uint32(plain[0:4]) != challengeMagic {
		dev.Logger().Warn("challenge auth: bad magic")
		return nil
	}
	random := binary.LittleEndian.Uint32(plain[4:8])

	sessionKey, sessionIV := natcrypto.ChallengeSolve(random, dev.Identity().Serial, dev.Identity().DeviceID)
	sKey, sIV := natcrypto.SessionSchedule(sessionKey, sessionIV)

	reply := make([]byte, 16)
	binary.LittleEndian.PutUint32(reply[0:4], challengeMagic)
	binary.LittleEndian.PutUint32(reply[4:8], rand.Uint32())
	for i := 8; i < 16; i++ {
		reply[i] = 0xa5
	}
	cipherText, err := natcrypto.Encrypt(sKey, sIV, reply)
	if err != nil {
		return err
	}
	if err := dev.SendFragmented(ctx, CmdCryptChallengeAuthReply, cipherText); err != nil {
		return err
	}
	dev.State().ChallengeSolved()
	return nil
}

// handleCryptDeviceIdRequest replies on the same command byte the request
// arrived on; the distilled spec never names a distinct reply command for
// the legacy device-ID exchange (unlike the 0x9C/0x9D challenge pair).
func handleCryptDeviceIdRequest(ctx context.Context, dev Device, p fragment.Payload) error {
	key, iv := dev.Crypto().LegacySchedule(dev.Identity().Serial)
	n := len(p.Data) - len(p.Data)%16
	if n < 16 {
		dev.Logger().Warn("device id request: payload too short")
		return nil
	}
	plain, err := natcrypto.Decrypt(key, iv, p.Data[:n])
	if err != nil {
		return err
	}

	var replyPlain [32]byte
	if binary.LittleEndian.Uint32(plain[0:4]) == challengeMagic {
		random := binary.LittleEndian.Uint32(plain[4:8])
		binary.LittleEndian.PutUint32(replyPlain[0:4], challengeMagic)
		binary.LittleEndian.PutUint32(replyPlain[4:8], random)
		id := dev.Identity()
		copy(replyPlain[8:20], id.DeviceID[:])
	} else if len(plain) >= 8 {
		random := binary.LittleEndian.Uint32(plain[4:8])
		binary.LittleEndian.PutUint32(replyPlain[4:8], random)
	}

	cipherText, err := natcrypto.Encrypt(key, iv, replyPlain[:])
	if err != nil {
		return err
	}
	return dev.SendFragmented(ctx, CmdCryptDeviceIdRequest, cipherText)
}

func handleFirmwareUpdate(ctx context.Context, dev Device, p fragment.Payload) error {
	reply, shouldReply, err := dev.Firmware().Apply(ctx, dev, p.Data)
	if err != nil {
		dev.Logger().Warn("firmware update", "err", err)
		return nil
	}
	if shouldReply {
		return dev.SendFragmented(ctx, CmdFirmwareUpdate, reply)
	}
	return nil
}

// NewCoreTable returns a Table preloaded with every core command contract
// from SPEC_FULL.md §4.6/§4.7. Concrete device types layer their own
// overrides and additions on top via Table.On/OnFragmented.
func NewCoreTable() *Table {
	t := NewTable()
	t.On(CmdVersionRequest, handleVersionRequest)
	t.On(CmdPing, handlePing)
	t.On(CmdAlive, handleAlive)
	t.On(CmdExtensionsOffline, handleExtensionsOffline)
	t.On(CmdTimeSync, handleTimeSync)
	t.On(CmdIdentify, handleIdentify)
	t.On(CmdIdentifyUnknown, handleIdentifyUnknown)
	t.On(CmdSearchDevicesRequest, handleSearchDevicesRequest)
	t.On(CmdCanDiagnosticsRequest, handleCanDiagnosticsRequest)
	t.On(CmdCanErrorRequest, handleCanErrorRequest)
	t.On(CmdWebServiceRequest, handleWebServiceRequest)
	t.On(CmdNatOfferConfirm, handleNatOfferConfirm)

	t.OnFragmented(CmdSendConfig, handleSendConfig)
	t.OnFragmented(CmdCryptChallengeAuthReq, handleCryptChallengeAuthRequest)
	t.OnFragmented(CmdCryptDeviceIdRequest, handleCryptDeviceIdRequest)
	t.OnFragmented(CmdFirmwareUpdate, handleFirmwareUpdate)
	return t
}
