package domain

// Inbound events.
const (
	EventJoinRoom           = "join-room"
	EventLeaveRoom          = "leave-room"
	EventOffer              = "offer"
	EventAnswer             = "answer"
	EventICECandidate       = "ice-candidate"
	EventConnectionStatus   = "connection-status"
	EventStreamReady        = "stream-ready"
	EventScreenShareStarted = "screen-share-started"
	EventScreenShareStopped = "screen-share-stopped"
	EventStreamStart        = "stream:start"
	EventStreamData         = "stream:data"
	EventStreamStop         = "stream:stop"
)

// Outbound events.
const (
	EventExistingUsers          = "existing-users"
	EventUserConnected          = "user-connected"
	EventUserDisconnected       = "user-disconnected"
	EventUserScreenShareStarted = "user-screen-share-started"
	EventUserScreenShareStopped = "user-screen-share-stopped"
	EventPeerConnectionStatus   = "peer-connection-status"
	EventError                  = "error"
)

const JoinFailedMessage = "Failed to join room"
