package domain

import "time"

type RoomID string
type PeerID string

// Role is the part a peer declares when joining a room.
type Role string

const (
	RoleUnset  Role = ""
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUnset, RoleHost, RoleViewer:
		return true
	}
	return false
}

// DeviceInfo describes the client software of a peer, as reported on join.
type DeviceInfo struct {
	Flag    string `json:"flag,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// PeerInfo is the public view of a joined peer sent to other peers.
type PeerInfo struct {
	ID          PeerID      `json:"id"`
	DisplayName string      `json:"displayName"`
	Device      *DeviceInfo `json:"device,omitempty"`
}

type PeerSnapshot struct {
	ID            PeerID      `json:"id"`
	DisplayName   string      `json:"displayName"`
	Role          Role        `json:"role"`
	Joined        bool        `json:"joined"`
	Device        *DeviceInfo `json:"device,omitempty"`
	Transports    int         `json:"transports"`
	Producers     int         `json:"producers"`
	Consumers     int         `json:"consumers"`
	DataProducers int         `json:"dataProducers"`
	DataConsumers int         `json:"dataConsumers"`
}

type RoomSnapshot struct {
	ID        RoomID         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	Closed    bool           `json:"closed"`
	Peers     []PeerSnapshot `json:"peers"`
}
