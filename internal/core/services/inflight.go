package services

import (
	"sync"

	"github.com/manthysbr/easel/internal/core/ports"
)

// Registration records who asked for an in-flight generation and where the
// reply should land.
type Registration struct {
	UserID    string
	ChannelID string
}

// InFlight tracks admitted-but-undelivered generations. Admission registers
// each item under its context handle; the result dispatcher finishes it.
// The per-channel counter drives the typing indicator: it starts on the
// channel's zero-to-one transition and stops when the count returns to zero.
type InFlight struct {
	typist ports.Typist

	mu           sync.Mutex
	registry     map[string]Registration
	userCounts   map[string]int
	channelLoads map[string]int
}

func NewInFlight(typist ports.Typist) *InFlight {
	return &InFlight{
		typist:       typist,
		registry:     map[string]Registration{},
		userCounts:   map[string]int{},
		channelLoads: map[string]int{},
	}
}

// Register records a new in-flight item under handle.
func (f *InFlight) Register(handle, userID, channelID string) {
	f.mu.Lock()
	f.registry[handle] = Registration{UserID: userID, ChannelID: channelID}
	f.userCounts[userID]++
	f.channelLoads[channelID]++
	firstInChannel := f.channelLoads[channelID] == 1
	f.mu.Unlock()

	if firstInChannel {
		f.typist.BeginTyping(channelID)
	}
}

// Finish releases the registration for handle and returns it. ok is false
// for handles that were never registered or already finished.
func (f *InFlight) Finish(handle string) (Registration, bool) {
	f.mu.Lock()
	reg, ok := f.registry[handle]
	if !ok {
		f.mu.Unlock()
		return Registration{}, false
	}
	delete(f.registry, handle)
	f.userCounts[reg.UserID]--
	if f.userCounts[reg.UserID] <= 0 {
		delete(f.userCounts, reg.UserID)
	}
	f.channelLoads[reg.ChannelID]--
	lastInChannel := f.channelLoads[reg.ChannelID] <= 0
	if lastInChannel {
		delete(f.channelLoads, reg.ChannelID)
	}
	f.mu.Unlock()

	if lastInChannel {
		f.typist.EndTyping(reg.ChannelID)
	}
	return reg, true
}

// UserCount returns how many generations the user currently has in flight.
func (f *InFlight) UserCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userCounts[userID]
}
