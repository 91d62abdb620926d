package dispatch

// Command bytes, both directions, as carried in the low 8 bits of the CAN
// ID (natframe.Frame.Command). FragmentStart/FragmentData (0xF0/0xF1) are
// intentionally absent here — the fragment assembler consumes them before a
// frame ever reaches a dispatch table.
const (
	CmdVersionRequest          uint8 = 0x01
	CmdStartInfo               uint8 = 0x02
	CmdVersionInfo             uint8 = 0x03
	CmdConfigEqual             uint8 = 0x04
	CmdPing                    uint8 = 0x05
	CmdPong                    uint8 = 0x06
	CmdSetOffline              uint8 = 0x09
	CmdAlive                   uint8 = 0x08
	CmdExtensionsOffline       uint8 = 0x0A
	CmdTimeSync                uint8 = 0x0C
	CmdSendConfig              uint8 = 0x11
	CmdWebServiceRequest       uint8 = 0x12
	CmdIdentify                uint8 = 0x10
	CmdCanDiagnosticsReply     uint8 = 0x16
	CmdCanDiagnosticsRequest   uint8 = 0x17
	CmdCanErrorReply           uint8 = 0x18
	CmdCanErrorRequest         uint8 = 0x19
	CmdInputStatusChanged      uint8 = 0x30 // DIExtension-only; see SPEC_FULL.md §4.9.
	CmdLightingControl         uint8 = 0x31 // RGBW/LEDSpot-Tree only; fragmented, see SPEC_FULL.md §4.9.
	CmdCryptDeviceIdRequest    uint8 = 0x99
	CmdCryptChallengeAuthReq   uint8 = 0x9C
	CmdCryptChallengeAuthReply uint8 = 0x9D
	CmdFirmwareUpdate          uint8 = 0xEF
	CmdIdentifyUnknown         uint8 = 0xF4
	CmdSearchDevicesRequest    uint8 = 0xFB
	CmdSearchDevicesResponse   uint8 = 0xFC
	CmdNatOfferConfirm         uint8 = 0xFD
	CmdNatOfferRequest         uint8 = 0xFE
)

// ResetReason values carried in StartInfo and Alive payloads.
type ResetReason uint8

const (
	ResetUndefined           ResetReason = 0x00
	ResetMiniserverStart     ResetReason = 0x01
	ResetPairing             ResetReason = 0x02
	ResetAliveRequested      ResetReason = 0x03
	ResetReconnect           ResetReason = 0x04
	ResetAlivePackage        ResetReason = 0x05
	ResetReconnectBroadcast  ResetReason = 0x06
	ResetPowerOnReset        ResetReason = 0x20
	ResetStandbyReset        ResetReason = 0x21
	ResetWatchdogReset       ResetReason = 0x22
	ResetSoftwareReset       ResetReason = 0x23
	ResetPinReset            ResetReason = 0x24
	ResetWindowWatchdogReset ResetReason = 0x25
	ResetLowPowerReset       ResetReason = 0x26
)

// UnassignedNatId is the historical "unassigned extension" NAT address;
// devices without an assignment yet must send only with this value.
const UnassignedNatId uint8 = 0x84
