package httpproto

// ProtocolError marks a malformed request: bad request line or premature
// EOF before the header terminator, spec.md §4.2.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }
