package api

const (
	ErrRoomIDRequired   = "room_id is required"
	ErrPayloadRequired  = "payload is required"
	ErrTokenRequired    = "token is required"
	ErrSenderIDRequired = "senderId is required"
	ErrSenderNotAllowed = "only admins may relay as another sender"
)

type RelayResponse struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Node         string `json:"node"`
	Rooms        int    `json:"rooms"`
	Participants int    `json:"participants"`
}
