/*
Package se implements the channel engine of an embedded secure element.

One Engine mediates every access to a single chip reachable through a Transport. It opens and
closes the basic and logical channels, routes raw APDUs and reassembles the responses the chip
splits with '61XX'. The hardware session is brought up on the first channel and torn down when
the last one is closed.

Every public method takes the engine lock for its whole duration: the bus carries one exchange
at a time, and a chip in the middle of a GET RESPONSE chain never sees an unrelated command.

Results always carry a Status. Failures of best-effort cleanup (closing a channel after a failed
SELECT, tearing the session down) never replace that status; they are reported in the Cleanup
field of the result and logged.
*/
package se
