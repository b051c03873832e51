package discovery

import "time"

// Timing constants reproduced from the WS-Discovery 2005/04 standard
// (§4.H "Timing rules (from the standard, must be reproduced)").
const (
	AppMaxDelay  = 500 * time.Millisecond
	MatchTimeout = 5 * time.Second

	UnicastUDPRepeat   = 2
	MulticastUDPRepeat = 4

	UDPMinDelay   = 50 * time.Millisecond
	UDPMaxDelay   = 250 * time.Millisecond
	UDPUpperDelay = 500 * time.Millisecond
)
