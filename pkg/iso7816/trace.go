package iso7816

// TRANSACTION:
// A Transaction represents the atomic unit of communication defined in ISO 7816-3:
// one Command APDU (C-APDU) sent by the terminal, followed by one Response APDU (R-APDU)
// sent back by the card.
//
// TRACE:
// A Trace is a chronological sequence of Transactions. It captures the full history of a
// logical operation. A single logical intent (e.g., "Select applet") results in several
// physical transactions when the card answers "61 XX" and the terminal has to send
// GET RESPONSE to collect the rest of the data.
//
// Response() folds the trace back into the one response the caller asked for.

// Transaction represents a completed Command-Response pair.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess checks if the transaction ended with a successful status.
// It returns false if the response is missing.
func (t *Transaction) IsSuccess() bool {
	if t.Response == nil {
		return false
	}
	return t.Response.Status.IsSuccess()
}

// Trace is a sequence of transactions (Command-Response pairs).
// It represents the full history of a logical exchange (including GET RESPONSE steps).
type Trace []Transaction

// Last returns the final transaction of the trace.
// Returns nil if the trace is empty.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// IsSuccess checks if the FINAL transaction in the trace was successful.
// This determines if the overall logical operation succeeded, regardless of
// intermediate 61XX statuses in previous transactions.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	if last == nil {
		return false
	}
	return last.IsSuccess()
}

// Response assembles the logical response: the payloads of every transaction concatenated
// in arrival order, and the status of the last one. Returns nil if the trace is empty.
func (t Trace) Response() *ResponseAPDU {
	last := t.Last()
	if last == nil || last.Response == nil {
		return nil
	}

	size := 0
	for _, tx := range t {
		if tx.Response != nil {
			size += len(tx.Response.Data)
		}
	}

	data := make([]byte, 0, size)
	for _, tx := range t {
		if tx.Response != nil {
			data = append(data, tx.Response.Data...)
		}
	}

	return &ResponseAPDU{Data: data, Status: last.Response.Status}
}
