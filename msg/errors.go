package msg

//ProtocolError is a reason string sent to the client inside an error
//envelope. Protocol errors never terminate the connection.
type ProtocolError string

func (e ProtocolError) Error() string {
	return string(e)
}

//The defined protocol error reasons
const (
	ErrMissingType      = ProtocolError("missing 'type'")
	ErrUnknownType      = ProtocolError("unknown type")
	ErrBindRequiresSide = ProtocolError("bind requires 'side'")
	ErrBindRequiresApp  = ProtocolError("bind requires 'appid'")
	ErrAlreadyBound     = ProtocolError("already bound")
	ErrPingRequiresPing = ProtocolError("ping requires 'ping'")
	ErrMustBindFirst    = ProtocolError("must bind first")
	ErrGreedyAllocate   = ProtocolError("you already allocated one, don't be greedy")
	ErrClaimNameplate   = ProtocolError("claim requires 'nameplate'")
	ErrOneClaim         = ProtocolError("only one claim per connection")
	ErrCrowded          = ProtocolError("crowded")
	ErrReclaimed        = ProtocolError("reclaimed")
	ErrReleaseNotClaim  = ProtocolError("release without nameplate must follow claim")
	ErrOneRelease       = ProtocolError("only one release per connection")
	ErrReleaseMismatch  = ProtocolError("release and claim must use same nameplate")
	ErrOpenMailbox      = ProtocolError("open requires 'mailbox'")
	ErrOneOpen          = ProtocolError("only one open per connection")
	ErrMustOpenFirst    = ProtocolError("must open mailbox before adding")
	ErrMissingPhase     = ProtocolError("missing 'phase'")
	ErrMissingBody      = ProtocolError("missing 'body'")
	ErrCloseNotOpen     = ProtocolError("close without mailbox must follow open")
	ErrOneClose         = ProtocolError("only one close per connection")
	ErrCloseMismatch    = ProtocolError("open and close must use same mailbox")
)
