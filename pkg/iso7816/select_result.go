package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/ese-hal/pkg/tlv"
)

// SELECT RESULT ANALYSIS:
// This file provides a high-level wrapper to analyze the execution of an applet SELECT.
// It abstracts the complexity of the trace (GET RESPONSE chaining) to provide
// direct access to the assembled response, its File Control Information (FCI)
// and a human-readable report.

// SelectResult represents the outcome of a SELECT command execution.
type SelectResult struct {
	Trace
}

// NewSelectResult creates a SelectResult from a raw transaction trace.
// It validates that the trace is not empty and that the logical operation
// started with a SELECT command (INS 0xA4).
func NewSelectResult(t Trace) (*SelectResult, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("cannot create result from empty trace")
	}

	if t[0].Command.Instruction.Raw != INS_SELECT {
		return nil, fmt.Errorf("trace must start with SELECT command (got %02X)", t[0].Command.Instruction.Raw)
	}

	return &SelectResult{Trace: t}, nil
}

// Outcome classifies the final status of the selection.
func (r *SelectResult) Outcome() SelectOutcome {
	return ClassifySelectStatus(r.Response().Status)
}

// FCI parses the File Control Information from the assembled response data,
// interpreted according to the P2 parameter of the initial SELECT command.
func (r *SelectResult) FCI() (*FileControlInfo, error) {
	if r.Outcome() != SelectSuccess {
		return nil, fmt.Errorf("selection failed, cannot parse FCI")
	}

	resp := r.Response()
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no response data found")
	}

	return ParseSelectData(resp.Data, r.Trace[0].Command.P2)
}

// Describe generates a detailed, ASCII-formatted report of the selection process.
// It breaks down the initial request, the GET RESPONSE chain if any,
// and provides a field-by-field dump of the parsed FCI structures (FCP/FMD).
func (r *SelectResult) Describe() string {
	var sb strings.Builder

	sb.WriteString("=== SELECT COMMAND REPORT ===\n")

	tx0 := r.Trace[0]
	cmd := tx0.Command

	method := SelectionMethod(cmd.P1)
	occ := FileOccurrence(cmd.P2 & 0x03)
	ctrl := SelectionControl(cmd.P2 & 0x0C)

	sb.WriteString(fmt.Sprintf("[1] Command: SELECT on channel %d (CLA %02X)\n", cmd.Class.Channel, cmd.Class.Raw))
	sb.WriteString(fmt.Sprintf("    + Method:  %02X -> %s\n", cmd.P1, method))
	sb.WriteString(fmt.Sprintf("    + Control: %02X -> %s | %s\n", cmd.P2, occ, ctrl))

	if len(cmd.Data) > 0 {
		sb.WriteString(fmt.Sprintf("    + Data:    %X (%q)\n", cmd.Data, tlv.Printable(cmd.Data)))
	}

	sw := tx0.Response.Status
	resultMsg := "[OK]"
	resultDesc := "SW_NO_ERROR"

	switch {
	case sw.HasMoreData():
		resultDesc = fmt.Sprintf("%02X (%d) bytes still available", sw.SW2(), sw.SW2())
	case sw != SW_NO_ERROR:
		if ClassifySelectStatus(sw) != SelectSuccess {
			resultMsg = "[!!]"
		}
		resultDesc = sw.Verbose()
	}

	sb.WriteString(fmt.Sprintf("    + Result:  [%02X %02X] %s %s\n", sw.SW1(), sw.SW2(), resultMsg, resultDesc))

	if len(tx0.Response.Data) > 0 {
		sb.WriteString(fmt.Sprintf("    + Payload: %d bytes received directly\n", len(tx0.Response.Data)))
	}
	sb.WriteString("\n")

	final := r.Response()

	if len(r.Trace) > 1 {
		sb.WriteString(fmt.Sprintf("[2] Protocol: GET RESPONSE chain (%d commands)\n", len(r.Trace)-1))
		for i, tx := range r.Trace[1:] {
			sb.WriteString(fmt.Sprintf("    + Step %d:  Le=%d -> %d bytes, SW %04X\n",
				i+1, tx.Command.Ne, len(tx.Response.Data), uint16(tx.Response.Status)))
		}
		sb.WriteString(fmt.Sprintf("    + Result:  [%04X] %s\n", uint16(final.Status), ClassifySelectStatus(final.Status)))
		if len(final.Data) > 0 {
			sb.WriteString(fmt.Sprintf("    + Payload: %d bytes assembled\n", len(final.Data)))
			sb.WriteString(fmt.Sprintf("      Dump:    %X\n", final.Data))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("[=] FINAL OUTCOME:\n")

	fci, err := r.FCI()
	if err != nil || fci == nil {
		switch {
		case err != nil && len(final.Data) > 0:
			sb.WriteString(fmt.Sprintf("    - FCI Parsing Failed: %v\n", err))
		default:
			sb.WriteString("    - No Data returned to parse.\n")
		}
		return sb.String()
	}

	structures := []string{}
	if fci.FCP != nil {
		structures = append(structures, "FCP")
	}
	if fci.FMD != nil {
		structures = append(structures, "FMD")
	}
	if len(fci.ProprietaryRawData) > 0 {
		structures = append(structures, "ProprietaryRaw")
	}

	strList := "None"
	if len(structures) > 0 {
		strList = strings.Join(structures, " + ")
	}
	sb.WriteString(fmt.Sprintf("    - Structure: %s\n", strList))

	var fields strings.Builder
	tlv.WriteStructFields(&fields, "FCP", fci.FCP)
	tlv.WriteStructFields(&fields, "FMD", fci.FMD)
	if fields.Len() > 0 {
		sb.WriteString(fields.String())
		sb.WriteString("\n")
	}
	if len(fci.ProprietaryRawData) > 0 {
		sb.WriteString(fmt.Sprintf("    - Proprietary:   %X\n", fci.ProprietaryRawData))
	}
	if sd, ok := fci.SecurityDomain(); ok && sd.MaxCommandLength() > 0 {
		sb.WriteString(fmt.Sprintf("    - Max command data: %d bytes\n", sd.MaxCommandLength()))
	}

	return sb.String()
}
