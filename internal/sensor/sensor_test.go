package sensor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeAttrs(t *testing.T, dir string, attrs map[string]string) {
	t.Helper()
	for name, value := range attrs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestIIODriverRead(t *testing.T) {
	dir := t.TempDir()
	writeAttrs(t, dir, map[string]string{
		"name":                      "bme280",
		"in_temp_input":             "21350",
		"in_pressure_input":         "101.768",
		"in_humidityrelative_input": "59180",
	})
	d := NewIIODriver("bme280", dir)
	m, err := d.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if math.Abs(m.Temperature-21.35) > 1e-9 || math.Abs(m.Humidity-59.18) > 1e-9 || math.Abs(m.Pressure-1017.68) > 1e-9 {
		t.Errorf("unexpected measurement %+v", m)
	}
	if err := d.Reinit(context.Background()); err != nil {
		t.Errorf("Reinit: %v", err)
	}
	if d.Kind() != "bme280" {
		t.Errorf("Kind() = %s", d.Kind())
	}
}

func TestIIODriverErrors(t *testing.T) {
	dir := t.TempDir()
	d := NewIIODriver("bme280", dir)
	if _, err := d.Read(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := d.Reinit(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}

	writeAttrs(t, dir, map[string]string{
		"in_temp_input":             "21350",
		"in_pressure_input":         "garbage",
		"in_humidityrelative_input": "59180",
	})
	if _, err := d.Read(context.Background()); !errors.Is(err, ErrBadValue) {
		t.Errorf("expected ErrBadValue, got %v", err)
	}

	writeAttrs(t, dir, map[string]string{"in_pressure_input": "101.7", "in_humidityrelative_input": "140000"})
	if _, err := d.Read(context.Background()); !errors.Is(err, ErrBadValue) {
		t.Errorf("expected ErrBadValue for humidity out of range, got %v", err)
	}
}

func TestNullDriver(t *testing.T) {
	d := NewNullDriver("bme280")
	if _, err := d.Read(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
