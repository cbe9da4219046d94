// Package sensor reads environmental measurements from Linux IIO devices.
//
// Two device families are supported: a BME280 combined temperature,
// humidity and pressure sensor, and a VEML7700 ambient light sensor. A
// simulated sensor is available for bench runs without hardware.
package sensor

import (
	"errors"
	"fmt"
	"math"
)

// Kinds accepted by [New].
const (
	KindBME280   = "bme280"
	KindVEML7700 = "veml7700"
	KindSim      = "sim"
)

// ErrInvalidReading is returned when a device answers with a value that
// cannot be a real measurement.
var ErrInvalidReading = errors.New("invalid sensor reading")

// Reading is one measurement. Only the fields of the sensor's family are
// set; Has* flags tell which.
type Reading struct {
	HasClimate  bool
	Temperature float64 // degrees Celsius
	Humidity    float64 // percent relative humidity
	Pressure    float64 // hPa

	HasLight bool
	Lux      float64
	PPFD     float64 // µmol/m²/s, derived as lux / factor
	White    float64
	ALS      float64 // raw ambient light count
}

// Reader is a sensor device.
type Reader interface {
	// Init probes the device. A failed Init means the device is absent.
	Init() error
	// Read takes one measurement.
	Read() (Reading, error)
}

// Options configures [New].
type Options struct {
	Kind      string
	IIOPath   string  // sysfs directory of the IIO device
	LuxToPPFD float64 // divisor for the PPFD estimate, default 70
}

// New returns the reader for opts.Kind.
func New(opts Options) (Reader, error) {
	switch opts.Kind {
	case KindBME280:
		return NewBME280(opts.IIOPath), nil
	case KindVEML7700:
		return NewVEML7700(opts.IIOPath, opts.LuxToPPFD), nil
	case KindSim:
		return &Sim{}, nil
	default:
		return nil, fmt.Errorf("unknown sensor kind %q", opts.Kind)
	}
}

// lightReading completes a light measurement from lux. NaN or negative
// lux is rejected.
func lightReading(lux, white, als, factor float64) (Reading, error) {
	if math.IsNaN(lux) || lux < 0 {
		return Reading{}, fmt.Errorf("%w: lux %v", ErrInvalidReading, lux)
	}
	if factor <= 0 {
		factor = 70
	}
	return Reading{
		HasLight: true,
		Lux:      lux,
		PPFD:     lux / factor,
		White:    white,
		ALS:      als,
	}, nil
}
