package models

// RoomState is the session phase of a room.
type RoomState string

const (
	RoomIdle RoomState = "idle"
	RoomLive RoomState = "live"
)

// Snapshot is a consistent copy of a room's authoritative state as of Seq.
// Events with seq > Seq apply on top of it.
type Snapshot struct {
	RoomID    string        `json:"room_id"`
	Seq       int64         `json:"seq"`
	State     RoomState     `json:"state"`
	Teacher   *Participant  `json:"teacher,omitempty"`
	Members   []Participant `json:"members"`
	Poll      *PollState    `json:"poll,omitempty"`
	Recording bool          `json:"recording,omitempty"`
}
