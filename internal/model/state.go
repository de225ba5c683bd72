package model

// ConnectionState is the lifecycle state of one physical stream connection.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
