package proto

// Wire protocol (length-prefixed JSON envelopes over TCP)

import (
	"encoding/json"
	"fmt"
	"time"
)

// MsgType tags the schema of an envelope's payload. Tags are grouped by concern;
// new concerns append new ranges and existing tags are never renumbered.
type MsgType int

const (
	// connection lifecycle
	MsgConnect    MsgType = 1
	MsgConnectAck MsgType = 2
	MsgHeartbeat  MsgType = 3
	MsgDisconnect MsgType = 4

	// screen
	MsgScreenData        MsgType = 10
	MsgScreenShare       MsgType = 11
	MsgScreenShareStop   MsgType = 12
	MsgScreenshotRequest MsgType = 13

	// input control
	MsgControlStart     MsgType = 20
	MsgControlStop      MsgType = 21
	MsgControlMouse     MsgType = 22
	MsgControlKeyboard  MsgType = 23
	MsgControlInputLock MsgType = 24
	MsgControlAccept    MsgType = 25
	MsgControlDeny      MsgType = 26

	// chat
	MsgChat          MsgType = 30
	MsgChatBroadcast MsgType = 31

	// file
	MsgFileSend MsgType = 40

	// lock
	MsgLockScreen   MsgType = 50
	MsgUnlockScreen MsgType = 51

	// test
	MsgTestStart  MsgType = 60
	MsgTestSubmit MsgType = 61

	// misc
	MsgRaiseHand    MsgType = 70
	MsgLowerHand    MsgType = 71
	MsgNotification MsgType = 72

	// assignment
	MsgAssignmentSubmit MsgType = 80
	MsgAssignmentAck    MsgType = 81

	// system info
	MsgSystemSpecsRequest  MsgType = 90
	MsgSystemSpecsResponse MsgType = 91

	// process management
	MsgProcessListRequest  MsgType = 100
	MsgProcessListResponse MsgType = 101
	MsgProcessKill         MsgType = 102

	// file collection
	MsgFileCollectionRequest MsgType = 110
	MsgFileCollectionData    MsgType = 111
	MsgFileCollectionStatus  MsgType = 112

	// bulk transfer
	MsgBulkFileTransferRequest MsgType = 120
	MsgBulkFileData            MsgType = 121
	MsgBulkFileNack            MsgType = 122
	MsgBulkFileComplete        MsgType = 123
	MsgBulkFileDecline         MsgType = 124
)

var typeNames = map[MsgType]string{
	MsgConnect:                 "Connect",
	MsgConnectAck:              "ConnectAck",
	MsgHeartbeat:               "Heartbeat",
	MsgDisconnect:              "Disconnect",
	MsgScreenData:              "ScreenData",
	MsgScreenShare:             "ScreenShare",
	MsgScreenShareStop:         "ScreenShareStop",
	MsgScreenshotRequest:       "ScreenshotRequest",
	MsgControlStart:            "ControlStart",
	MsgControlStop:             "ControlStop",
	MsgControlMouse:            "ControlMouse",
	MsgControlKeyboard:         "ControlKeyboard",
	MsgControlInputLock:        "ControlInputLock",
	MsgControlAccept:           "ControlAccept",
	MsgControlDeny:             "ControlDeny",
	MsgChat:                    "Chat",
	MsgChatBroadcast:           "ChatBroadcast",
	MsgFileSend:                "FileSend",
	MsgLockScreen:              "LockScreen",
	MsgUnlockScreen:            "UnlockScreen",
	MsgTestStart:               "TestStart",
	MsgTestSubmit:              "TestSubmit",
	MsgRaiseHand:               "RaiseHand",
	MsgLowerHand:               "LowerHand",
	MsgNotification:            "Notification",
	MsgAssignmentSubmit:        "AssignmentSubmit",
	MsgAssignmentAck:           "AssignmentAck",
	MsgSystemSpecsRequest:      "SystemSpecsRequest",
	MsgSystemSpecsResponse:     "SystemSpecsResponse",
	MsgProcessListRequest:      "ProcessListRequest",
	MsgProcessListResponse:     "ProcessListResponse",
	MsgProcessKill:             "ProcessKill",
	MsgFileCollectionRequest:   "FileCollectionRequest",
	MsgFileCollectionData:      "FileCollectionData",
	MsgFileCollectionStatus:    "FileCollectionStatus",
	MsgBulkFileTransferRequest: "BulkFileTransferRequest",
	MsgBulkFileData:            "BulkFileData",
	MsgBulkFileNack:            "BulkFileNack",
	MsgBulkFileComplete:        "BulkFileComplete",
	MsgBulkFileDecline:         "BulkFileDecline",
}

func (t MsgType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(%d)", int(t))
}

// Known reports whether t is part of the closed tag set.
func (t MsgType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Envelope wraps all messages. Payload is itself an encoded sub-message whose
// schema is determined by Type.
type Envelope struct {
	Type       MsgType   `json:"Type"`
	SenderID   string    `json:"SenderId"`
	SenderName string    `json:"SenderName"`
	TargetID   string    `json:"TargetId,omitempty"`
	Payload    string    `json:"Payload,omitempty"`
	Timestamp  time.Time `json:"Timestamp"`
}

// NewEnvelope returns an envelope stamped with the current time.
func NewEnvelope(t MsgType, senderID, senderName string) *Envelope {
	return &Envelope{Type: t, SenderID: senderID, SenderName: senderName, Timestamp: time.Now()}
}

// WithPayload encodes v as the envelope payload. Strings are stored verbatim.
func (e *Envelope) WithPayload(v any) (*Envelope, error) {
	if s, ok := v.(string); ok {
		e.Payload = s
		return e, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return e, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	e.Payload = string(b)
	return e, nil
}

// DecodePayload decodes the nested payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if e.Payload == "" {
		return fmt.Errorf("decode %s payload: %w", e.Type, errEmptyPayload)
	}
	if err := json.Unmarshal([]byte(e.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, wrapMalformed(err))
	}
	return nil
}

// ClientInfo is the Connect handshake payload.
type ClientInfo struct {
	MachineID    string `json:"MachineId"`
	DisplayName  string `json:"DisplayName"`
	ComputerName string `json:"ComputerName"`
	IPAddress    string `json:"IpAddress"`
	OS           string `json:"Os,omitempty"`
	Version      string `json:"Version,omitempty"` // agent version
}

// ConnectAck confirms registration
type ConnectAck struct {
	ClassName   string `json:"ClassName"`
	TeacherName string `json:"TeacherName"`
}

// ScreenFrame carries one captured frame (JPEG). ImageData is base64 on the wire.
type ScreenFrame struct {
	ClientID    string    `json:"ClientId"`
	ImageData   []byte    `json:"ImageData"`
	Width       int       `json:"Width"`
	Height      int       `json:"Height"`
	CaptureTime time.Time `json:"CaptureTime"`
}

type MouseAction string

const (
	MouseMove      MouseAction = "move"
	MouseLeftDown  MouseAction = "left_down"
	MouseLeftUp    MouseAction = "left_up"
	MouseRightDown MouseAction = "right_down"
	MouseRightUp   MouseAction = "right_up"
	MouseWheel     MouseAction = "wheel"
)

// MouseInput carries absolute device coordinates in [0, AbsoluteMax].
type MouseInput struct {
	X      int         `json:"X"`
	Y      int         `json:"Y"`
	Action MouseAction `json:"Action"`
	Delta  int         `json:"Delta"`
}

// AbsoluteMax is the upper bound of the absolute pointer coordinate space.
const AbsoluteMax = 65535

type KeyAction string

const (
	KeyDown KeyAction = "down"
	KeyUp   KeyAction = "up"
)

type KeyboardInput struct {
	KeyCode int       `json:"KeyCode"`
	Action  KeyAction `json:"Action"`
	Ctrl    bool      `json:"Ctrl"`
	Alt     bool      `json:"Alt"`
	Shift   bool      `json:"Shift"`
}

type InputLock struct {
	Locked bool `json:"Locked"`
}

// BulkFileTransferRequest announces a chunked transfer.
type BulkFileTransferRequest struct {
	FileID      string `json:"FileId"`
	FileName    string `json:"FileName"`
	FileSize    int64  `json:"FileSize"`
	ChunkSize   int    `json:"ChunkSize"`
	TotalChunks int    `json:"TotalChunks"`
}

type BulkFileData struct {
	FileID      string `json:"FileId"`
	ChunkIndex  int    `json:"ChunkIndex"`
	TotalChunks int    `json:"TotalChunks"`
	Data        []byte `json:"Data"`
}

// BulkFileNack lists chunk indexes the receiver is missing.
type BulkFileNack struct {
	FileID  string `json:"FileId"`
	Missing []int  `json:"Missing"`
}

type BulkFileComplete struct {
	FileID   string `json:"FileId"`
	FileName string `json:"FileName"`
}

// BulkFileDecline tells the sender this receiver will not take the file.
type BulkFileDecline struct {
	FileID string `json:"FileId"`
	Reason string `json:"Reason,omitempty"`
}

type FileCollectionRequest struct {
	RequestID string `json:"RequestId"`
	Pattern   string `json:"Pattern"`
}

type FileCollectionData struct {
	RequestID string `json:"RequestId"`
	FileName  string `json:"FileName"`
	Data      []byte `json:"Data"`
}

type FileCollectionStatus struct {
	RequestID string `json:"RequestId"`
	Status    string `json:"Status"`
	Count     int    `json:"Count"`
}

type Notification struct {
	Title string `json:"Title"`
	Text  string `json:"Text"`
}

type AssignmentSubmit struct {
	AssignmentID string `json:"AssignmentId"`
	FileName     string `json:"FileName"`
	Data         []byte `json:"Data"`
}

type AssignmentAck struct {
	AssignmentID string `json:"AssignmentId"`
	Accepted     bool   `json:"Accepted"`
}

// SystemSpecs answers SystemSpecsRequest.
type SystemSpecs struct {
	Hostname        string `json:"Hostname"`
	OS              string `json:"Os"`
	Platform        string `json:"Platform"`
	PlatformVersion string `json:"PlatformVersion"`
	CPUModel        string `json:"CpuModel"`
	CPUCores        int    `json:"CpuCores"`
	MemoryTotal     uint64 `json:"MemoryTotal"`
	MemoryAvailable uint64 `json:"MemoryAvailable"`
	UptimeSeconds   uint64 `json:"UptimeSeconds"`
}

type ProcessInfo struct {
	PID       int32  `json:"Pid"`
	Name      string `json:"Name"`
	MemoryRSS uint64 `json:"MemoryRss"`
}

type ProcessList struct {
	Processes []ProcessInfo `json:"Processes"`
}

type ProcessKill struct {
	PID int32 `json:"Pid"`
}
