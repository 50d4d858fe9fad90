package modbus

import (
	"fmt"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// NewDeviceClient builds a Client plus its underlying ClientHandler (for
// explicit Connect/Close) from a DeviceConfig, wiring the retry/backoff
// policy of spec.md §4.3 around the chosen TCP/RTU/ASCII transport.
// onError, if non-nil, is called once per failed attempt before it is
// retried or surfaced.
func NewDeviceClient(cfg model.DeviceConfig, onError func(kind model.ErrorKind, err error, attempt int)) (Client, ClientHandler, error) {
	policy := RetryPolicy{Retries: cfg.Retries, RetryDelay: cfg.RetryDelay}

	switch cfg.Transport {
	case model.TransportTCP:
		h := NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.TCP.Host, cfg.TCP.Port))
		h.Timeout = cfg.Timeout
		h.SlaveID = cfg.TCP.UnitID
		rt := NewRetryingTransporter(h, policy, onError)
		return NewClientWithPackagerTransporter(h, rt), h, nil

	case model.TransportRTU:
		h := NewRTUClientHandler(cfg.Serial.Path)
		h.BaudRate = cfg.Serial.Baud
		h.DataBits = cfg.Serial.DataBits
		h.StopBits = cfg.Serial.StopBits
		h.Parity = cfg.Serial.Parity
		h.Timeout = cfg.Timeout
		h.SlaveID = cfg.Serial.UnitID
		rt := NewRetryingTransporter(h, policy, onError)
		return NewClientWithPackagerTransporter(h, rt), h, nil

	case model.TransportASCII:
		h := NewASCIIClientHandler(cfg.Serial.Path)
		h.BaudRate = cfg.Serial.Baud
		h.DataBits = cfg.Serial.DataBits
		h.StopBits = cfg.Serial.StopBits
		h.Parity = cfg.Serial.Parity
		h.Timeout = cfg.Timeout
		h.SlaveID = cfg.Serial.UnitID
		rt := NewRetryingTransporter(h, policy, onError)
		return NewClientWithPackagerTransporter(h, rt), h, nil

	default:
		return nil, nil, fmt.Errorf("modbus: unknown transport kind %v", cfg.Transport)
	}
}
