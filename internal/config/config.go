// Package config loads and validates the gateway's YAML configuration
// (spec.md §6) into the immutable model.DeviceConfig records the engine
// supervises. Grounded on ffutop-modbus-gateway's viper-based config loader.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/lumberbarons/modbus-gateway/internal/decode"
	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// Config is the top-level YAML document: the device list plus the ambient
// sections (logging, MQTT, HTTP façade) carried outside the polling core.
type Config struct {
	Devices []DeviceConfig `mapstructure:"devices"`
	Log     LogConfig      `mapstructure:"log"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	MQTT    MQTTConfig     `mapstructure:"mqtt"`
}

// LogConfig controls the slog handler built at startup.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// HTTPConfig controls the REST/WebSocket façade.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// MQTTConfig controls the MQTT publisher.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// DeviceConfig is the YAML shape of model.DeviceConfig (spec.md §3, §6).
type DeviceConfig struct {
	ID           string         `mapstructure:"id"`
	Name         string         `mapstructure:"name"`
	Transport    string         `mapstructure:"transport"` // tcp, rtu, ascii
	Host         string         `mapstructure:"host"`
	Port         int            `mapstructure:"port"`
	Path         string         `mapstructure:"path"`
	Baud         int            `mapstructure:"baud"`
	DataBits     int            `mapstructure:"data_bits"`
	StopBits     int            `mapstructure:"stop_bits"`
	Parity       string         `mapstructure:"parity"`
	UnitID       int            `mapstructure:"unit_id"`
	TimeoutMS    int            `mapstructure:"timeout_ms"`
	Retries      int            `mapstructure:"retries"`
	RetryDelayMS int            `mapstructure:"retry_delay_ms"`
	PollMS       int            `mapstructure:"poll_interval_ms"`
	Enabled      *bool          `mapstructure:"enabled"`
	Registers    []RegisterSpec `mapstructure:"registers"`
}

// RegisterSpec is the YAML shape of model.RegisterSpec (spec.md §3, §6).
type RegisterSpec struct {
	Name    string  `mapstructure:"name"`
	Type    string  `mapstructure:"register_type"` // holding, input, coil, discrete
	Address int     `mapstructure:"address"`
	Count   int     `mapstructure:"count"`
	DType   string  `mapstructure:"data_type"`
	Unit    string  `mapstructure:"unit"`
	Scale   float64 `mapstructure:"scale"`
	Offset  float64 `mapstructure:"offset"`
}

// ValidationError names the offending field of a rejected configuration
// (spec.md §6: "a diagnostic naming the offending field").
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads configFile (or the default search path, if empty) via viper
// and returns the validated, translated model records. Any validation
// failure aborts with a *ValidationError (spec.md §6 exit code 1).
func Load(configFile string) (*Config, []model.DeviceConfig, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-gateway/")
		v.AddConfigPath("$HOME/.modbus-gateway")
		v.AddConfigPath(".")
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.topic_prefix", "modbus-gateway")

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	devices, err := translate(cfg.Devices)
	if err != nil {
		return nil, nil, err
	}

	return &cfg, devices, nil
}

// translate converts and validates the YAML device list into
// model.DeviceConfig, enforcing spec.md §3's invariants: unique device
// ids, unique register names per device, and dtype×count consistency.
func translate(raw []DeviceConfig) ([]model.DeviceConfig, error) {
	seenIDs := make(map[string]bool, len(raw))
	out := make([]model.DeviceConfig, 0, len(raw))

	for _, d := range raw {
		if d.ID == "" {
			return nil, &ValidationError{Field: "devices[].id", Reason: "must not be empty"}
		}
		if seenIDs[d.ID] {
			return nil, &ValidationError{Field: "devices[].id", Reason: fmt.Sprintf("duplicate id %q", d.ID)}
		}
		seenIDs[d.ID] = true

		dc, err := translateDevice(d)
		if err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, nil
}

func translateDevice(d DeviceConfig) (model.DeviceConfig, error) {
	transport, err := parseTransport(d.Transport)
	if err != nil {
		return model.DeviceConfig{}, err
	}
	if d.TimeoutMS <= 0 {
		return model.DeviceConfig{}, &ValidationError{Field: fmt.Sprintf("devices[%s].timeout_ms", d.ID), Reason: "must be > 0"}
	}
	if d.Retries < 0 {
		return model.DeviceConfig{}, &ValidationError{Field: fmt.Sprintf("devices[%s].retries", d.ID), Reason: "must be >= 0"}
	}
	if d.RetryDelayMS < 0 {
		return model.DeviceConfig{}, &ValidationError{Field: fmt.Sprintf("devices[%s].retry_delay_ms", d.ID), Reason: "must be >= 0"}
	}
	if d.PollMS <= 0 {
		return model.DeviceConfig{}, &ValidationError{Field: fmt.Sprintf("devices[%s].poll_interval_ms", d.ID), Reason: "must be > 0"}
	}

	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}

	dc := model.DeviceConfig{
		ID:           d.ID,
		Name:         d.Name,
		Transport:    transport,
		Timeout:      time.Duration(d.TimeoutMS) * time.Millisecond,
		Retries:      d.Retries,
		RetryDelay:   time.Duration(d.RetryDelayMS) * time.Millisecond,
		PollInterval: time.Duration(d.PollMS) * time.Millisecond,
		Enabled:      enabled,
	}

	switch transport {
	case model.TransportTCP:
		if d.Host == "" {
			return model.DeviceConfig{}, &ValidationError{Field: fmt.Sprintf("devices[%s].host", d.ID), Reason: "must not be empty for tcp transport"}
		}
		port := d.Port
		if port == 0 {
			port = 502
		}
		dc.TCP = model.TCPVariant{Host: d.Host, Port: port, UnitID: byte(d.UnitID)}

	case model.TransportRTU, model.TransportASCII:
		if d.Path == "" {
			return model.DeviceConfig{}, &ValidationError{Field: fmt.Sprintf("devices[%s].path", d.ID), Reason: "must not be empty for serial transport"}
		}
		dataBits := d.DataBits
		if dataBits == 0 {
			dataBits = 8
		}
		stopBits := d.StopBits
		if stopBits == 0 {
			stopBits = 1
		}
		parity := d.Parity
		if parity == "" {
			parity = "even"
		}
		dc.Serial = model.SerialVariant{
			Path:     d.Path,
			Baud:     d.Baud,
			DataBits: dataBits,
			StopBits: stopBits,
			Parity:   parity,
			UnitID:   byte(d.UnitID),
		}
	}

	seenNames := make(map[string]bool, len(d.Registers))
	for _, r := range d.Registers {
		if r.Name == "" {
			return model.DeviceConfig{}, &ValidationError{Field: fmt.Sprintf("devices[%s].registers[].name", d.ID), Reason: "must not be empty"}
		}
		if seenNames[r.Name] {
			return model.DeviceConfig{}, &ValidationError{Field: fmt.Sprintf("devices[%s].registers[].name", d.ID), Reason: fmt.Sprintf("duplicate name %q", r.Name)}
		}
		seenNames[r.Name] = true

		spec, err := translateRegister(d.ID, r)
		if err != nil {
			return model.DeviceConfig{}, err
		}
		dc.Registers = append(dc.Registers, spec)
	}

	return dc, nil
}

func parseTransport(s string) (model.TransportKind, error) {
	switch s {
	case "tcp":
		return model.TransportTCP, nil
	case "rtu":
		return model.TransportRTU, nil
	case "ascii":
		return model.TransportASCII, nil
	default:
		return 0, &ValidationError{Field: "devices[].transport", Reason: fmt.Sprintf("unknown transport %q, must be tcp|rtu|ascii", s)}
	}
}

func parseArea(s string) (model.Area, error) {
	switch s {
	case "holding":
		return model.AreaHoldingRegister, nil
	case "input":
		return model.AreaInputRegister, nil
	case "coil":
		return model.AreaCoil, nil
	case "discrete":
		return model.AreaDiscreteInput, nil
	default:
		return 0, &ValidationError{Field: "registers[].register_type", Reason: fmt.Sprintf("unknown register_type %q, must be holding|input|coil|discrete", s)}
	}
}

func parseDataType(s string) (model.DataType, error) {
	switch s {
	case "bool":
		return model.DataTypeBool, nil
	case "u16":
		return model.DataTypeU16, nil
	case "i16":
		return model.DataTypeI16, nil
	case "u32_be":
		return model.DataTypeU32BE, nil
	case "i32_be":
		return model.DataTypeI32BE, nil
	case "f32_be":
		return model.DataTypeF32BE, nil
	case "u32_le":
		return model.DataTypeU32LE, nil
	case "i32_le":
		return model.DataTypeI32LE, nil
	case "f32_le":
		return model.DataTypeF32LE, nil
	case "u64_be":
		return model.DataTypeU64BE, nil
	case "f64_be":
		return model.DataTypeF64BE, nil
	case "u64_le":
		return model.DataTypeU64LE, nil
	case "f64_le":
		return model.DataTypeF64LE, nil
	case "string":
		return model.DataTypeString, nil
	default:
		return 0, &ValidationError{Field: "registers[].data_type", Reason: fmt.Sprintf("unknown data_type %q", s)}
	}
}

func translateRegister(deviceID string, r RegisterSpec) (model.RegisterSpec, error) {
	area, err := parseArea(r.Type)
	if err != nil {
		return model.RegisterSpec{}, err
	}
	dtype, err := parseDataType(r.DType)
	if err != nil {
		return model.RegisterSpec{}, err
	}
	if r.Address < 0 || r.Address > 65535 {
		return model.RegisterSpec{}, &ValidationError{Field: fmt.Sprintf("devices[%s].registers[%s].address", deviceID, r.Name), Reason: "must be 0..65535"}
	}

	scale := r.Scale
	if scale == 0 {
		scale = 1.0
	}

	spec := model.RegisterSpec{
		Name:    r.Name,
		Area:    area,
		Address: uint16(r.Address),
		Count:   r.Count,
		DType:   dtype,
		Unit:    r.Unit,
		Scale:   scale,
		Offset:  r.Offset,
	}

	if err := decode.ValidateSpec(spec); err != nil {
		return model.RegisterSpec{}, &ValidationError{
			Field:  fmt.Sprintf("devices[%s].registers[%s]", deviceID, r.Name),
			Reason: err.Error(),
		}
	}
	return spec, nil
}

// PollIntervals extracts each device's poll interval keyed by id, for
// store.New's staleness-threshold bookkeeping.
func PollIntervals(devices []model.DeviceConfig) map[string]time.Duration {
	out := make(map[string]time.Duration, len(devices))
	for _, d := range devices {
		out[d.ID] = d.PollInterval
	}
	return out
}
