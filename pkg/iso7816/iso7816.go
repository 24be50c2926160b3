/*
Package iso7816 implements the APDU layer used to talk to an embedded secure element according to ISO/IEC 7816-4.

It provides Command and Response APDU structures, Class byte encoding for logical channels 0 to 19, Status Word (SW) analysis, the MANAGE CHANNEL and SELECT builders needed to multiplex channels, and a Client that transparently retrieves chained responses.

# Fundamentals

The communication with the chip is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The chip processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

# Logical Channels

A secure element multiplexes several applet sessions over one physical link. The channel a
command addresses is carried in the CLA byte:
  - Channel 0 (basic channel): CLA 0x00.
  - Channels 1-3: First interindustry encoding, CLA = channel.
  - Channels 4-19: Further interindustry encoding, CLA = 0x40 + (channel - 4).

Channels 1 and above are opened with MANAGE CHANNEL (INS '70', P1 '00') and released with
MANAGE CHANNEL (P1 '80', P2 = channel).

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x61XX: Success, but response data is still available (XX bytes).
  - 0x62XX / 0x63XX: Success with warning.
  - 0x6A81: No logical channel available (MANAGE CHANNEL).
  - 0x6A82, 0x6999, 0x6985: Applet not found or not selectable (SELECT).
  - 0x64FF: Produced locally when the transport reports an invalid receive length.

# Usage Example: Selecting an applet on a logical channel

	client := iso7816.NewClient(transport)

	trace, err := client.Send(iso7816.OpenLogicalChannel())
	if err != nil {
	    return err
	}
	outcome, channel := iso7816.ClassifyChannelOpen(trace.Response())
	if outcome != iso7816.ChannelOpened {
	    return fmt.Errorf("no channel: %s", outcome)
	}

	sel, err := iso7816.SelectOnChannel(channel, aid, iso7816.SelectP2(iso7816.FirstOrOnlyOccurrence, iso7816.ReturnFCI))
	if err != nil {
	    return err
	}
	trace, err = client.Send(sel)
	if err != nil {
	    return err
	}

	// The trace contains the SELECT plus every GET RESPONSE issued for '61XX'.
	resp := trace.Response()
	fmt.Println(iso7816.ClassifySelectStatus(resp.Status))

	if result, err := iso7816.NewSelectResult(trace); err == nil {
	    fmt.Println(result.Describe())
	}
*/
package iso7816
