package relay

import "errors"

var (
	//ErrCrowded is raised when a third side tries to claim a nameplate
	//or open a mailbox. The extra side row is kept so a later release
	//can still summarize the channel as crowded.
	ErrCrowded = errors.New("crowded")

	//ErrReclaimed is raised when a side tries to claim a nameplate it
	//previously released. First claims create mailboxes, so a released
	//side must not be able to trigger that twice.
	ErrReclaimed = errors.New("reclaimed")

	//ErrNameplatesExhausted is raised when no free nameplate id can
	//be found for an allocation
	ErrNameplatesExhausted = errors.New("unable to find a free nameplate id")
)
