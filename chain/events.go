package chain

import "github.com/ethereum/go-ethereum/common"

// EventKind enumerates wallet and chain change notifications.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventChainChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventChainChanged:
		return "chain_changed"
	default:
		return "unknown"
	}
}

// State is a read-only snapshot of the wallet facts.
type State struct {
	Connected bool           `json:"connected"`
	Account   common.Address `json:"account"`
	ChainID   uint64         `json:"chain_id"`
}

// Event notifies subscribers of a wallet or chain change and carries the
// state after the change.
type Event struct {
	Kind  EventKind
	State State
}

type subscribers struct {
	next int
	subs map[int]chan Event
}

func (s *subscribers) add() (int, chan Event) {
	if s.subs == nil {
		s.subs = make(map[int]chan Event)
	}
	s.next++
	ch := make(chan Event, 16)
	s.subs[s.next] = ch
	return s.next, ch
}

func (s *subscribers) remove(id int) {
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// publish never blocks. A full subscriber loses its oldest pending event, so
// the most recent state always gets through.
func (s *subscribers) publish(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
