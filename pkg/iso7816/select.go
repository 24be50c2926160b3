package iso7816

import (
	"fmt"
)

// SELECT COMMAND LOGIC (ISO 7816-4):
// The SELECT command (INS 'A4') opens a file or, on a secure element, an applet.
// Applets are always selected by DF name (P1 '04'), the AID being the data field.
//
// P2 (Selection Control):
// Controls the response content and the file occurrence.
// - Bits 4-3: Response Type (FCI, FCP, FMD, or No Data).
// - Bits 2-1: Occurrence (First, Last, Next, Previous).
//
// Applet selection always asks for a full short response (Le '00', i.e. 256 bytes). If the
// applet answers with more data, the chip reports '61XX' and the Client fetches the rest.

// SelectionMethod defines how the file is targeted (P1).
type SelectionMethod byte

const (
	SelectByFileID          SelectionMethod = 0x00
	SelectChildDF           SelectionMethod = 0x01
	SelectEFUnderCurrentDF  SelectionMethod = 0x02
	SelectParentDF          SelectionMethod = 0x03
	SelectByDFName          SelectionMethod = 0x04 // Select by AID
	SelectPathFromMF        SelectionMethod = 0x08
	SelectPathFromCurrentDF SelectionMethod = 0x09
)

func (s SelectionMethod) String() string {
	switch s {
	case SelectByFileID:
		return "Select by File ID"
	case SelectChildDF:
		return "Select Child DF"
	case SelectEFUnderCurrentDF:
		return "Select EF under current DF"
	case SelectParentDF:
		return "Select Parent DF"
	case SelectByDFName:
		return "Select by DF Name (AID)"
	case SelectPathFromMF:
		return "Select Path from MF"
	case SelectPathFromCurrentDF:
		return "Select Path from Current DF"
	default:
		return fmt.Sprintf("Unknown Method (0x%02X)", byte(s))
	}
}

// FileOccurrence defines which instance of the file to select (Bits 1-2 of P2).
type FileOccurrence byte

const (
	FirstOrOnlyOccurrence FileOccurrence = 0b0000_00_00
	LastOccurrence        FileOccurrence = 0b0000_00_01
	NextOccurrence        FileOccurrence = 0b0000_00_10
	PreviousOccurrence    FileOccurrence = 0b0000_00_11
)

func (f FileOccurrence) String() string {
	switch f {
	case FirstOrOnlyOccurrence:
		return "First/Only"
	case LastOccurrence:
		return "Last"
	case NextOccurrence:
		return "Next"
	case PreviousOccurrence:
		return "Previous"
	default:
		return "Unknown Occurrence"
	}
}

// SelectionControl defines what data to return (Bits 3-4 of P2).
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b0000_00_00
	ReturnFCP    SelectionControl = 0b0000_01_00
	ReturnFMD    SelectionControl = 0b0000_10_00
	ReturnNoData SelectionControl = 0b0000_11_00
)

func (s SelectionControl) String() string {
	switch s {
	case ReturnFCI:
		return "Return FCI"
	case ReturnFCP:
		return "Return FCP"
	case ReturnFMD:
		return "Return FMD"
	case ReturnNoData:
		return "No Response Data"
	default:
		return "Unknown Control"
	}
}

// ParseSelectionControl maps a short name (fci, fcp, fmd, none) to its SelectionControl.
func ParseSelectionControl(name string) (SelectionControl, error) {
	switch name {
	case "fci", "FCI", "":
		return ReturnFCI, nil
	case "fcp", "FCP":
		return ReturnFCP, nil
	case "fmd", "FMD":
		return ReturnFMD, nil
	case "none", "NONE":
		return ReturnNoData, nil
	default:
		return 0, fmt.Errorf("unknown selection control %q", name)
	}
}

// SelectP2 combines Occurrence (bits 1-2) and Control Info (bits 3-4) into a P2 byte.
func SelectP2(occurrence FileOccurrence, ctrl SelectionControl) byte {
	return byte(ctrl) | byte(occurrence)
}

// NewSelectCommand creates a generic SELECT command.
func NewSelectCommand(cla Class, method SelectionMethod, p2 byte, data []byte, ne int) *CommandAPDU {
	return NewCommandAPDU(cla, mustInstruction(INS_SELECT), byte(method), p2, data, ne)
}

// SelectOnChannel builds the SELECT by AID sent when opening a channel:
// CLA for channel, INS 'A4', P1 '04', the caller's P2, the AID and Le '00'.
func SelectOnChannel(channel uint8, aid []byte, p2 byte) (*CommandAPDU, error) {
	cla, err := ChannelClass(channel)
	if err != nil {
		return nil, err
	}
	return NewSelectCommand(cla, SelectByDFName, p2, aid, MaxShortLe), nil
}

// SelectOutcome is the classification of the final status of an applet SELECT.
type SelectOutcome int

const (
	SelectSuccess SelectOutcome = iota
	SelectNoSuchElement
	SelectUnsupported
	SelectFailed
)

func (o SelectOutcome) String() string {
	switch o {
	case SelectSuccess:
		return "success"
	case SelectNoSuchElement:
		return "no-such-element"
	case SelectUnsupported:
		return "unsupported"
	default:
		return "failed"
	}
}

// ClassifySelectStatus maps the final status of an applet SELECT:
//   - '9000' and any '62XX'/'63XX' warning: success.
//   - '6A82', '6999', '6985': no applet matches the AID.
//   - '6A86': the P2 option is not supported by the applet.
//   - anything else: failure.
func ClassifySelectStatus(sw StatusWord) SelectOutcome {
	switch {
	case sw == SW_NO_ERROR, sw.IsWarning():
		return SelectSuccess
	case sw == SW_ERR_FILE_NOT_FOUND, sw == SW_ERR_APPLET_SELECT_FAILED, sw == SW_ERR_COND_OF_USE_NOT_SAT:
		return SelectNoSuchElement
	case sw == SW_ERR_INCORRECT_PARAMS_P1P2:
		return SelectUnsupported
	default:
		return SelectFailed
	}
}
