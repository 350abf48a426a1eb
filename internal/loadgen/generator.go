// Package loadgen drives a relay with many concurrent WebSocket clients and
// reports round-trip latency. Events follow a per-user JOIN, TEXT..., LEAVE
// lifecycle; a configurable share is deliberately invalid so the rejection
// path is exercised too.
package loadgen

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/chatflow/relay/internal/protocol"
)

var cannedMessages = []string{
	"Hello world!", "How are you?", "WebSocket is cool", "Distributed systems are hard",
	"Chat application", "Testing high load", "Another message", "Latency check",
	"Throughput test", "Keep alive", "Good morning", "Good night", "See you later",
	"Connection pool", "Concurrency", "Scalability", "Reliability", "Consistency",
	"Load balancing", "Failover", "Replication", "Sharding", "Caching", "Protocol",
}

type userState int

const (
	stateIdle userState = iota
	stateJoined
)

// leaveChance is the probability that a joined user's next event is LEAVE.
const leaveChance = 0.05

// Message is one generated payload and whether the relay should accept it.
type Message struct {
	Payload     []byte
	Type        protocol.MessageType
	ExpectValid bool
}

// Generator produces chat events. It is not safe for concurrent use; Run
// feeds workers through a channel instead.
type Generator struct {
	rnd          *rand.Rand
	invalidRatio float64
	users        int
	userStates   map[int]userState
	now          func() time.Time
}

// NewGenerator returns a generator drawing user IDs from [1, users] (capped at
// the accepted range). invalidRatio in [0,1] is the share of events corrupted
// on purpose.
func NewGenerator(seed int64, users int, invalidRatio float64) *Generator {
	if users <= 0 || users > protocol.MaxUserID {
		users = protocol.MaxUserID
	}
	return &Generator{
		rnd:          rand.New(rand.NewSource(seed)),
		invalidRatio: invalidRatio,
		users:        users,
		userStates:   make(map[int]userState),
		now:          time.Now,
	}
}

// wireEvent is the JSON shape sent to the relay.
type wireEvent struct {
	UserID      interface{} `json:"userId"`
	Username    string      `json:"username"`
	Message     string      `json:"message"`
	Timestamp   string      `json:"timestamp"`
	MessageType string      `json:"messageType"`
}

// Next returns the next event.
func (g *Generator) Next() Message {
	userID := g.rnd.Intn(g.users) + protocol.MinUserID

	var msgType protocol.MessageType
	switch g.userStates[userID] {
	case stateIdle:
		msgType = protocol.MessageTypeJoin
		g.userStates[userID] = stateJoined
	default:
		if g.rnd.Float64() < leaveChance {
			msgType = protocol.MessageTypeLeave
			g.userStates[userID] = stateIdle
		} else {
			msgType = protocol.MessageTypeText
		}
	}

	ev := wireEvent{
		UserID:      userID,
		Username:    fmt.Sprintf("user%d", userID),
		Message:     cannedMessages[g.rnd.Intn(len(cannedMessages))],
		Timestamp:   protocol.FormatInstant(g.now()),
		MessageType: string(msgType),
	}

	valid := true
	if g.invalidRatio > 0 && g.rnd.Float64() < g.invalidRatio {
		g.corrupt(&ev)
		valid = false
	}

	// wireEvent holds only strings and ints.
	data, _ := json.Marshal(ev)
	return Message{Payload: data, Type: msgType, ExpectValid: valid}
}

// corrupt breaks exactly one field.
func (g *Generator) corrupt(ev *wireEvent) {
	switch g.rnd.Intn(6) {
	case 0:
		ev.UserID = protocol.MaxUserID + 1
	case 1:
		ev.UserID = fmt.Sprint(ev.UserID)
	case 2:
		ev.Username = "u!"
	case 3:
		ev.Message = ""
	case 4:
		ev.Timestamp = "yesterday"
	default:
		ev.MessageType = "text"
	}
}

// Run sends total events to out and closes it. It stops early when done is
// closed.
func (g *Generator) Run(total int, out chan<- Message, done <-chan struct{}) {
	defer close(out)
	for i := 0; i < total; i++ {
		select {
		case out <- g.Next():
		case <-done:
			return
		}
	}
}
