package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ChannelStatus is the connection state of a channel's provider session.
type ChannelStatus string

const (
	StatusDisconnected ChannelStatus = "disconnected"
	StatusConnecting   ChannelStatus = "connecting"
	StatusQRReady      ChannelStatus = "qr_ready"
	StatusConnected    ChannelStatus = "connected"
)

// ConnectionState is the typed form of the channel's persisted state blob.
// Only the fields meaningful to the current status are set: QRCode exists in
// qr_ready, LastConnected in connected. It serializes to JSON at the storage
// boundary only.
type ConnectionState struct {
	Status        ChannelStatus `json:"status"`
	QRCode        string        `json:"qr_code,omitempty"`
	InstanceName  string        `json:"evolution_instance,omitempty"`
	LastConnected *time.Time    `json:"last_connected,omitempty"`
}

func StateDisconnected(instance string) ConnectionState {
	return ConnectionState{Status: StatusDisconnected, InstanceName: instance}
}

func StateConnecting(instance string) ConnectionState {
	return ConnectionState{Status: StatusConnecting, InstanceName: instance}
}

func StateQRReady(instance, qrCode string) ConnectionState {
	return ConnectionState{Status: StatusQRReady, InstanceName: instance, QRCode: qrCode}
}

func StateConnected(instance string, at time.Time) ConnectionState {
	return ConnectionState{Status: StatusConnected, InstanceName: instance, LastConnected: &at}
}

// Value implements driver.Valuer.
func (s ConnectionState) Value() (driver.Value, error) {
	if s.Status == "" {
		s.Status = StatusDisconnected
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *ConnectionState) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = ConnectionState{Status: StatusDisconnected}
		return nil
	case []byte:
		return s.unmarshal(v)
	case string:
		return s.unmarshal([]byte(v))
	default:
		return fmt.Errorf("unsupported connection state column type %T", src)
	}
}

func (s *ConnectionState) unmarshal(b []byte) error {
	if len(b) == 0 {
		*s = ConnectionState{Status: StatusDisconnected}
		return nil
	}
	if err := json.Unmarshal(b, s); err != nil {
		return fmt.Errorf("decode connection state: %w", err)
	}
	if s.Status == "" {
		s.Status = StatusDisconnected
	}
	return nil
}
