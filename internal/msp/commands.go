package msp

// Command codes understood by the supported flight controller firmware.
// Values match the MSP v1 command space.
const (
	CmdAPIVersion uint8 = 1
	CmdFCVariant  uint8 = 2
	CmdFCVersion  uint8 = 3
	CmdBoardInfo  uint8 = 4
	CmdBuildInfo  uint8 = 5

	CmdStatus    uint8 = 101
	CmdRawIMU    uint8 = 102
	CmdMotor     uint8 = 104
	CmdRC        uint8 = 105
	CmdAttitude  uint8 = 108
	CmdAnalog    uint8 = 110
	CmdRCTuning  uint8 = 111
	CmdPID       uint8 = 112
	CmdBoxNames  uint8 = 116
	CmdBatteryState uint8 = 130

	CmdSetPID      uint8 = 202
	CmdSetRCTuning uint8 = 204

	CmdEepromWrite uint8 = 250

	CmdDataflashSummary uint8 = 70
	CmdDataflashRead    uint8 = 71
	CmdDataflashErase   uint8 = 72

	CmdFilterConfig       uint8 = 92
	CmdSetFilterConfig    uint8 = 93
	CmdPidAdvanced        uint8 = 94
	CmdSetPidAdvanced     uint8 = 95
	CmdSimplifiedTuning   uint8 = 140
	CmdSetSimplifiedTuning uint8 = 141

	CmdReboot uint8 = 68
)

// CLIEnterByte switches the device from binary MSP into its text CLI.
// There is no symmetric byte to leave CLI mode; only a reboot does that.
const CLIEnterByte byte = '#'

// CLIPrompt is the character the CLI prints when ready for input.
const CLIPrompt byte = '#'
