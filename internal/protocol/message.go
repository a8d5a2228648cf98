// Package protocol defines the shared message types and the binary
// stream codec used for communication between the server and devices.
package protocol

import "fmt"

// Kind identifies a message variant on the wire.
//
// Kinds below 0x10 are client messages: commands the server addresses
// to a device. Kinds from 0x10 are server messages: what a device
// reports to the server, including the Hello handshake.
type Kind uint8

// Client messages (server to device).
const (
	ScreenOff Kind = iota + 1
	ScreenOn
	PowerOff
	Restart
	ClientGoodbye
	RequestDeviceInfo
)

// Server messages (device to server).
const (
	Hello Kind = iota + 0x10
	DeviceInfoReport
	ServerGoodbye
)

var kindNames = map[Kind]string{
	ScreenOff:         "screen_off",
	ScreenOn:          "screen_on",
	PowerOff:          "power_off",
	Restart:           "restart",
	ClientGoodbye:     "client_goodbye",
	RequestDeviceInfo: "request_device_info",
	Hello:             "hello",
	DeviceInfoReport:  "device_info",
	ServerGoodbye:     "server_goodbye",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(k))
}

// Known reports whether k is part of the message catalog.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// IsClient reports whether k travels from the server to a device.
func (k Kind) IsClient() bool { return k.Known() && k < Hello }

// commandNames maps admin-facing command names to the client messages
// an operator may send to a device.
var commandNames = map[string]Kind{
	"screen_off":          ScreenOff,
	"screen_on":           ScreenOn,
	"power_off":           PowerOff,
	"restart":             Restart,
	"goodbye":             ClientGoodbye,
	"request_device_info": RequestDeviceInfo,
}

// ParseCommand resolves an admin command name to its client message kind.
func ParseCommand(name string) (Kind, error) {
	k, ok := commandNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown command %q", name)
	}
	return k, nil
}

// DeviceInfo is what a device reports about itself.
type DeviceInfo struct {
	Name      string `cbor:"1,keyasint" json:"name"`
	OS        string `cbor:"2,keyasint" json:"os"`
	OSVersion string `cbor:"3,keyasint" json:"os_version"`
	Uptime    string `cbor:"4,keyasint" json:"uptime"`
}

// Unknown is the placeholder for device facts that have not been reported.
const Unknown = "unknown"

// DefaultDeviceInfo returns a DeviceInfo with every field set to "unknown".
func DefaultDeviceInfo() DeviceInfo {
	return DeviceInfo{Name: Unknown, OS: Unknown, OSVersion: Unknown, Uptime: Unknown}
}

// ClientIntroduction is sent once by a device as the first frame of a session.
type ClientIntroduction struct {
	Name      string    `cbor:"1,keyasint" json:"name"`
	BuildInfo BuildInfo `cbor:"2,keyasint" json:"build_info"`
}

// Message is the envelope for every frame exchanged between the server
// and devices. Exactly one payload field is set for Hello and
// DeviceInfoReport; every other kind carries no payload.
type Message struct {
	Kind         Kind                `cbor:"1,keyasint"`
	Introduction *ClientIntroduction `cbor:"2,keyasint,omitempty"`
	DeviceInfo   *DeviceInfo         `cbor:"3,keyasint,omitempty"`
}

// Command builds a payload-less message of the given kind.
func Command(k Kind) Message {
	return Message{Kind: k}
}

// NewHello builds the handshake message a device sends on connect.
func NewHello(intro ClientIntroduction) Message {
	return Message{Kind: Hello, Introduction: &intro}
}

// NewDeviceInfo builds a device info report.
func NewDeviceInfo(info DeviceInfo) Message {
	return Message{Kind: DeviceInfoReport, DeviceInfo: &info}
}

// String formats the message for logs.
func (m Message) String() string {
	switch m.Kind {
	case Hello:
		if m.Introduction != nil {
			return fmt.Sprintf("hello(%s %s)", m.Introduction.Name, m.Introduction.BuildInfo.Version())
		}
	case DeviceInfoReport:
		if m.DeviceInfo != nil {
			return fmt.Sprintf("device_info(%s)", m.DeviceInfo.Name)
		}
	}
	return m.Kind.String()
}

// Validate checks that the kind is known and that the payload matches it.
func (m Message) Validate() error {
	if !m.Kind.Known() {
		return fmt.Errorf("unknown message kind 0x%02x", uint8(m.Kind))
	}
	switch m.Kind {
	case Hello:
		if m.Introduction == nil || m.DeviceInfo != nil {
			return fmt.Errorf("%s: expected introduction payload only", m.Kind)
		}
	case DeviceInfoReport:
		if m.DeviceInfo == nil || m.Introduction != nil {
			return fmt.Errorf("%s: expected device info payload only", m.Kind)
		}
	default:
		if m.Introduction != nil || m.DeviceInfo != nil {
			return fmt.Errorf("%s: unexpected payload", m.Kind)
		}
	}
	return nil
}
