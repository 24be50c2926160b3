package iso7816

import (
	"strings"
	"testing"

	"github.com/gregLibert/ese-hal/pkg/tlv"
)

func TestSelectResult_Describe(t *testing.T) {
	aid := tlv.MustHex("A0 00 00 01 51 00 00 00")
	cmdSelect, _ := SelectOnChannel(5, aid, SelectP2(FirstOrOnlyOccurrence, ReturnFCI))
	cls, _ := ChannelClass(5)

	t.Run("Chained Response Report", func(t *testing.T) {
		trace := Trace{
			{
				Command: cmdSelect,
				Response: &ResponseAPDU{
					Data:   tlv.MustHex("6F 10 84 08 A000000151000000"),
					Status: NewStatusWord(0x61, 0x06),
				},
			},
			{
				Command: GetResponse(cls, 6),
				Response: &ResponseAPDU{
					Data:   tlv.MustHex("A5 04 9F6E 01 07"),
					Status: SW_NO_ERROR,
				},
			},
		}

		res, err := NewSelectResult(trace)
		if err != nil {
			t.Fatalf("NewSelectResult: %v", err)
		}
		report := res.Describe()

		expectedLines := []string{
			"=== SELECT COMMAND REPORT ===",
			"[1] Command: SELECT on channel 5 (CLA 41)",
			"    + Method:  04 -> Select by DF Name (AID)",
			"    + Control: 00 -> First/Only | Return FCI",
			`    + Data:    A000000151000000 ("....Q...")`,
			"    + Result:  [61 06] [OK] 06 (6) bytes still available",
			"    + Payload: 10 bytes received directly",
			"[2] Protocol: GET RESPONSE chain (1 commands)",
			"    + Step 1:  Le=6 -> 6 bytes, SW 9000",
			"    + Result:  [9000] success",
			"    + Payload: 16 bytes assembled",
			"      Dump:    6F108408A000000151000000A5049F6E0107",
			"[=] FINAL OUTCOME:",
			"    - Structure: FCP + FMD",
			`    - FCP.DFName (84): A000000151000000 ("....Q...")`,
			"    - FCP.ProprietaryDataBER (A5).9F6E: 07",
		}

		for _, line := range expectedLines {
			if !strings.Contains(report, line) {
				t.Errorf("Report missing line: %q\n%s", line, report)
			}
		}

		if res.Outcome() != SelectSuccess {
			t.Errorf("Outcome() = %s, want success", res.Outcome())
		}
	})

	t.Run("Applet Not Found", func(t *testing.T) {
		trace := Trace{{Command: cmdSelect, Response: &ResponseAPDU{Status: SW_ERR_FILE_NOT_FOUND}}}

		res, _ := NewSelectResult(trace)
		report := res.Describe()

		for _, line := range []string{
			"    + Result:  [6A 82] [!!] [6A82] SW_ERR_FILE_NOT_FOUND",
			"    - No Data returned to parse.",
		} {
			if !strings.Contains(report, line) {
				t.Errorf("Report missing line: %q\n%s", line, report)
			}
		}
		if res.Outcome() != SelectNoSuchElement {
			t.Errorf("Outcome() = %s, want no-such-element", res.Outcome())
		}
	})
}

func TestNewSelectResult_Validation(t *testing.T) {
	if _, err := NewSelectResult(nil); err == nil {
		t.Error("expected error for empty trace")
	}

	trace := Trace{{Command: OpenLogicalChannel(), Response: &ResponseAPDU{Data: []byte{0x01}, Status: SW_NO_ERROR}}}
	if _, err := NewSelectResult(trace); err == nil {
		t.Error("expected error for trace not starting with SELECT")
	}
}
