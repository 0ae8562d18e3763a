// Package types holds the wire-level DTOs shared by the router, request
// handler, room handler, and voice-bus layers.
package types

import "encoding/json"

// BasicRequest is the envelope every inbound client frame decodes into.
// The opcode selects how request_containing_data is interpreted; the
// payload itself travels as a raw JSON string so a malformed payload
// never prevents the opcode from being read.
type BasicRequest struct {
	RequestOpCode         string `json:"request_op_code"`
	RequestContainingData string `json:"request_containing_data"`
}

// BasicResponse is the envelope every outbound frame is wrapped in.
type BasicResponse struct {
	ResponseOpCode         string `json:"response_op_code"`
	ResponseContainingData string `json:"response_containing_data"`
}

// NewResponse marshals data to its string form and wraps it in a BasicResponse.
// If data is already a string it is used verbatim, matching frames whose
// data is a bare id rather than a JSON object.
func NewResponse(opCode string, data any) BasicResponse {
	if s, ok := data.(string); ok {
		return BasicResponse{ResponseOpCode: opCode, ResponseContainingData: s}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return InvalidRequest()
	}
	return BasicResponse{ResponseOpCode: opCode, ResponseContainingData: string(raw)}
}

// InvalidRequest is the canonical precondition-violation reply (spec §7).
func InvalidRequest() BasicResponse {
	return BasicResponse{ResponseOpCode: "invalid_request", ResponseContainingData: "issue with request"}
}

// CaptureResult is the uniform shape every Capture-layer write returns.
type CaptureResult struct {
	EncounteredError bool   `json:"encountered_error"`
	Desc             string `json:"desc"`
}

func Ok(desc string) CaptureResult         { return CaptureResult{EncounteredError: false, Desc: desc} }
func CaptureErr(desc string) CaptureResult { return CaptureResult{EncounteredError: true, Desc: desc} }

// BasicRoomCreation is the create_room payload.
type BasicRoomCreation struct {
	Name   string `json:"name"`
	Desc   string `json:"desc"`
	Public bool   `json:"public"`
}

// GenericRoomIdAndPeerId covers join/add-speaker/remove-speaker/webrtc ops.
type GenericRoomIdAndPeerId struct {
	RoomId int `json:"roomId"`
	PeerId int `json:"peerId"`
}

// BlockUserFromRoom is the block_user_from_room payload.
type BlockUserFromRoom struct {
	UserId int `json:"user_id"`
	RoomId int `json:"room_id"`
}

type GenericRoomId struct {
	RoomId int `json:"room_id"`
}

type GenericUserId struct {
	UserId int `json:"user_id"`
}

type GetFollowList struct {
	UserId int `json:"user_id"`
}

// RoomUpdate is the update_room_meta payload.
type RoomUpdate struct {
	Name         string `json:"name"`
	Public       bool   `json:"public"`
	ChatThrottle int    `json:"chat_throttle"`
	Description  string `json:"description"`
	AutoSpeaker  bool   `json:"auto_speaker"`
}

// DeafAndMuteStatus is the update_deaf_and_mute payload.
type DeafAndMuteStatus struct {
	Muted bool `json:"muted"`
	Deaf  bool `json:"deaf"`
}

type DeafAndMuteStatusUpdate struct {
	Muted  bool `json:"muted"`
	Deaf   bool `json:"deaf"`
	UserId int  `json:"user_id"`
}

// RoomDetails is the descriptive half of a room, as exposed to clients.
type RoomDetails struct {
	Name         string `json:"name"`
	ChatThrottle int    `json:"chat_throttle"`
	IsPrivate    bool   `json:"is_private"`
	Description  string `json:"description"`
}

// RoomPermissions is one user's permission row within one room.
type RoomPermissions struct {
	AskedToSpeak bool `json:"asked_to_speak"`
	IsSpeaker    bool `json:"is_speaker"`
	IsMod        bool `json:"is_mod"`
}

type UserPreview struct {
	DisplayName string `json:"display_name"`
	AvatarUrl   string `json:"avatar_url"`
}

// CommunicationRoom is the client-facing composed room record (top_rooms, initial_room_data).
type CommunicationRoom struct {
	Details            RoomDetails         `json:"details"`
	RoomId             int                 `json:"room_id"`
	NumOfPeopleInRoom  int                 `json:"num_of_people_in_room"`
	VoiceServerId      string              `json:"voice_server_id"`
	CreatorId          int                 `json:"creator_id"`
	PeoplePreviewData  map[int]UserPreview `json:"people_preview_data"`
	AutoSpeakerSetting bool                `json:"auto_speaker_setting"`
	CreatedAt          string              `json:"created_at"`
	ChatMode           string              `json:"chat_mode"`
}

// User is the fully composed, viewer-relative user record.
type User struct {
	YouAreFollowing bool   `json:"you_are_following"`
	Username        string `json:"username"`
	TheyBlockedYou  bool   `json:"they_blocked_you"`
	NumFollowing    int    `json:"num_following"`
	NumFollowers    int    `json:"num_followers"`
	LastOnline      string `json:"last_online"`
	UserId          int    `json:"user_id"`
	FollowsYou      bool   `json:"follows_you"`
	Contributions   int    `json:"contributions"`
	DisplayName     string `json:"display_name"`
	Bio             string `json:"bio"`
	AvatarUrl       string `json:"avatar_url"`
	BannerUrl       string `json:"banner_url"`
	IBlockedThem    bool   `json:"i_blocked_them"`
}

type AllUsersInRoomResponse struct {
	RoomId int    `json:"room_id"`
	Users  []User `json:"users"`
}

type JoinTypeInfo struct {
	AsSpeaker  bool `json:"as_speaker"`
	AsListener bool `json:"as_listener"`
	RoomId     int  `json:"room_id"`
}

type SingleUserDataResults struct {
	UserId int  `json:"user_id"`
	Data   User `json:"data"`
}

type SingleUserPermissionResults struct {
	UserId int             `json:"user_id"`
	Data   RoomPermissions `json:"data"`
}

type NewModStatus struct {
	NewStatus bool `json:"new_status"`
	UserId    int  `json:"user_id"`
}

// UpdateUserDataRequest is the update_user_data payload.
type UpdateUserDataRequest struct {
	DisplayName string `json:"display_name"`
	AvatarUrl   string `json:"avatar_url"`
}

type FollowInfo struct {
	UserId    int    `json:"user_id"`
	Username  string `json:"username"`
	AvatarUrl string `json:"avatar_url"`
	Online    bool   `json:"online"`
	RoomId    *int   `json:"room_id,omitempty"`
}

// VoiceServerRequest is the outbound envelope to the voice bus (spec §4.6).
type VoiceServerRequest struct {
	Op  string `json:"op"`
	D   any    `json:"d"`
	Uid string `json:"uid"`
}

// VoiceServerResponse is the inbound envelope from the voice bus (spec §4.6).
type VoiceServerResponse struct {
	Op  string          `json:"op"`
	D   json.RawMessage `json:"d"`
	Uid string          `json:"uid"`
	Rid string          `json:"rid"`
}
