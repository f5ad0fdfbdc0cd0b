package session

// Role identifies which side of the connection this session plays. The role
// fixes stream id parity: clients originate odd ids, servers even ids.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// PaddingStrategy selects how outbound frames are padded. The strategy is
// resolved once at session construction and never changes afterward.
type PaddingStrategy int

const (
	// PaddingNone emits frames at their natural length.
	PaddingNone PaddingStrategy = iota
	// PaddingAligned pads each frame so the total on-wire size (9-byte
	// header plus payload) is a multiple of 8 bytes.
	PaddingAligned
	// PaddingMax always pads to the maximum payload the codec allows.
	PaddingMax
	// PaddingCallback asks the application for a padded length per frame,
	// clamped to [frameLen, maxPayloadLen].
	PaddingCallback
)

// Defaults applied by Options.withDefaults.
const (
	DefaultPeerMaxConcurrentStreams = 100
	DefaultMaxHeaderListPairs       = 128
	DefaultMaxOutstandingPings      = 10
	DefaultMaxOutstandingSettings   = 10
	DefaultMaxSessionMemory         = 10 << 20
	DefaultMaxReservedRemoteStreams = 200

	// Servers must tolerate at least the four request pseudo-headers;
	// clients at least :status.
	minHeaderPairsServer = 4
	minHeaderPairsClient = 1
)

// Options is the immutable session configuration. It is resolved once at
// construction; changing limits requires a new session.
type Options struct {
	// PeerMaxConcurrentStreams is the local ceiling on concurrent streams,
	// combined with the peer-advertised SETTINGS value via min().
	PeerMaxConcurrentStreams uint32
	// Padding selects the outbound padding strategy.
	Padding PaddingStrategy
	// MaxHeaderListPairs caps the number of header pairs accepted per block.
	MaxHeaderListPairs uint32
	// MaxOutstandingPings bounds the unacknowledged PING queue.
	MaxOutstandingPings int
	// MaxOutstandingSettings bounds the unacknowledged SETTINGS queue.
	MaxOutstandingSettings int
	// MaxSessionMemory is the advisory budget, in bytes, for everything the
	// session queues: header accumulation, outbound writes, outstanding
	// pings and settings. Exceeding it blocks new admission only.
	MaxSessionMemory uint64
}

// withDefaults returns a copy with zero values replaced by defaults and the
// role-specific header-pair floor applied.
func (o Options) withDefaults(role Role) Options {
	if o.PeerMaxConcurrentStreams == 0 {
		o.PeerMaxConcurrentStreams = DefaultPeerMaxConcurrentStreams
	}
	if o.MaxHeaderListPairs == 0 {
		o.MaxHeaderListPairs = DefaultMaxHeaderListPairs
	}
	floor := uint32(minHeaderPairsServer)
	if role == RoleClient {
		floor = minHeaderPairsClient
	}
	if o.MaxHeaderListPairs < floor {
		o.MaxHeaderListPairs = floor
	}
	if o.MaxOutstandingPings == 0 {
		o.MaxOutstandingPings = DefaultMaxOutstandingPings
	}
	if o.MaxOutstandingSettings == 0 {
		o.MaxOutstandingSettings = DefaultMaxOutstandingSettings
	}
	if o.MaxSessionMemory == 0 {
		o.MaxSessionMemory = DefaultMaxSessionMemory
	}
	return o
}
