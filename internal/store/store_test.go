package store

import (
	"errors"
	"testing"
	"time"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

func TestPutAndGetSample(t *testing.T) {
	s := New(map[string]time.Duration{"dev1": time.Second})
	sample := model.Sample{
		DeviceID:     "dev1",
		RegisterName: "temp",
		Value:        42.0,
		Quality:      model.QualityGood,
		Timestamp:    time.Now(),
	}
	s.PutSample(sample)

	got, err := s.GetRegister("dev1", "temp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Value != 42.0 {
		t.Errorf("value = %v, want 42.0", got.Value)
	}
	if got.Quality != model.QualityGood {
		t.Errorf("quality = %v, want good", got.Quality)
	}
}

func TestGetRegisterNotFound(t *testing.T) {
	s := New(nil)

	_, err := s.GetRegister("missing", "temp")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := New(nil)

	_, err := s.GetDevice("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSampleBecomesStaleOnRead(t *testing.T) {
	s := New(map[string]time.Duration{"dev1": 10 * time.Millisecond})
	sample := model.Sample{
		DeviceID:     "dev1",
		RegisterName: "temp",
		Value:        1.0,
		Quality:      model.QualityGood,
		Timestamp:    time.Now().Add(-100 * time.Millisecond), // well past 3x poll interval
	}
	s.PutSample(sample)

	got, err := s.GetRegister("dev1", "temp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Quality != model.QualityStale {
		t.Errorf("quality = %v, want stale", got.Quality)
	}
}

func TestSampleStaysFreshWithinThreshold(t *testing.T) {
	s := New(map[string]time.Duration{"dev1": time.Hour})
	sample := model.Sample{
		DeviceID:     "dev1",
		RegisterName: "temp",
		Value:        1.0,
		Quality:      model.QualityGood,
		Timestamp:    time.Now(),
	}
	s.PutSample(sample)

	got, err := s.GetRegister("dev1", "temp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Quality != model.QualityGood {
		t.Errorf("quality = %v, want good", got.Quality)
	}
}

func TestBadQualityNeverBecomesStale(t *testing.T) {
	s := New(map[string]time.Duration{"dev1": time.Millisecond})
	sample := model.Sample{
		DeviceID:     "dev1",
		RegisterName: "temp",
		Value:        nil,
		Quality:      model.QualityBad,
		Timestamp:    time.Now().Add(-time.Hour),
	}
	s.PutSample(sample)

	got, err := s.GetRegister("dev1", "temp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Quality != model.QualityBad {
		t.Errorf("quality = %v, want bad (never upgraded to stale)", got.Quality)
	}
}

func TestListDevicesSortedAndPreSeeded(t *testing.T) {
	s := New(map[string]time.Duration{"b": time.Second, "a": time.Second})

	devices := s.ListDevices()
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}
	if devices[0].DeviceID != "a" || devices[1].DeviceID != "b" {
		t.Errorf("devices = %v, want sorted [a, b]", devices)
	}
}

func TestPutStatusUpdatesDeviceRecord(t *testing.T) {
	s := New(map[string]time.Duration{"dev1": time.Second})
	s.PutStatus(model.DeviceStatus{DeviceID: "dev1", Connected: true, PollCount: 3})

	got, err := s.GetDevice("dev1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Connected || got.PollCount != 3 {
		t.Errorf("status = %+v, want Connected=true PollCount=3", got)
	}
}
