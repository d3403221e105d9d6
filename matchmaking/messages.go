package matchmaking

// State is the ticket state carried by StatusUpdate messages.
type State string

const (
	StateConnecting        State = "Connecting"
	StateWaiting           State = "Waiting"
	StateQueued            State = "Queued"
	StateSessionAssignment State = "SessionAssignment"
	StateJoin              State = "Play"
)

// rank orders states; a connection never moves to a lower rank.
func (s State) rank() int {
	switch s {
	case StateConnecting:
		return 1
	case StateWaiting:
		return 2
	case StateQueued:
		return 3
	case StateSessionAssignment:
		return 4
	case StateJoin:
		return 5
	}
	return 0
}

const (
	nameStatusUpdate = "StatusUpdate"
	namePlay         = "Play"
)

type message struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

type connectingPayload struct {
	State State `json:"state"`
}

type waitingPayload struct {
	State            State `json:"state"`
	TotalPlayers     int   `json:"totalPlayers"`
	ConnectedPlayers int   `json:"connectedPlayers"`
}

type queuedPayload struct {
	State            State  `json:"state"`
	TicketID         string `json:"ticketId"`
	QueuedPlayers    int    `json:"queuedPlayers"`
	Position         int    `json:"position"`
	PartySize        int    `json:"partySize"`
	EstimatedWaitSec int    `json:"estimatedWaitSec"`
}

type sessionAssignmentPayload struct {
	State   State  `json:"state"`
	MatchID string `json:"matchId"`
}

type playPayload struct {
	MatchID      string `json:"matchId"`
	SessionID    string `json:"sessionId"`
	JoinDelaySec int    `json:"joinDelaySec"`
}

// close codes in the application range
const (
	closeCodeNotFound    = 4004
	closeCodeUnavailable = 4008
)

const (
	reasonInternal       = "internal error"
	reasonPartyNotFound  = "party not found"
	reasonServerNotFound = "server not found"
	reasonTooLong        = "server took too long to start"
	reasonMaintenance    = "server under maintenance"
	reasonAbandoned      = "queue abandoned"
	reasonJoined         = "joined"
	reasonShutdown       = "matchmaker shutting down"
)
