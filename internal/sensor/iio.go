package sensor

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// iioDevice reads channel attributes from an IIO sysfs directory such as
// /sys/bus/iio/devices/iio:device0.
type iioDevice struct {
	dir string
}

func (d iioDevice) read(attr string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, attr))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", attr, err)
	}
	return v, nil
}

// readOr returns def when the attribute does not exist.
func (d iioDevice) readOr(attr string, def float64) (float64, error) {
	v, err := d.read(attr)
	if os.IsNotExist(err) {
		return def, nil
	}
	return v, err
}

func (d iioDevice) name() (string, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, "name"))
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", d.dir, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// BME280 reads the bmp280 IIO driver. The driver reports temperature in
// milli-degrees, humidity in milli-percent and pressure in kPa.
type BME280 struct {
	dev iioDevice
}

// NewBME280 returns a reader for the device at dir.
func NewBME280(dir string) *BME280 {
	return &BME280{dev: iioDevice{dir: dir}}
}

// Init checks that the device is a BME280.
func (b *BME280) Init() error {
	name, err := b.dev.name()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(name, "bme280") {
		return fmt.Errorf("device at %s is %q, not a bme280", b.dev.dir, name)
	}
	return nil
}

// Read takes one measurement.
func (b *BME280) Read() (Reading, error) {
	temp, err := b.dev.read("in_temp_input")
	if err != nil {
		return Reading{}, err
	}
	hum, err := b.dev.read("in_humidityrelative_input")
	if err != nil {
		return Reading{}, err
	}
	press, err := b.dev.read("in_pressure_input")
	if err != nil {
		return Reading{}, err
	}
	r := Reading{
		HasClimate:  true,
		Temperature: temp / 1000,
		Humidity:    hum / 1000,
		Pressure:    press * 10,
	}
	if math.IsNaN(r.Temperature) || math.IsNaN(r.Humidity) || math.IsNaN(r.Pressure) {
		return Reading{}, ErrInvalidReading
	}
	return r, nil
}

// VEML7700 reads the veml6030 family IIO driver.
type VEML7700 struct {
	dev    iioDevice
	factor float64
}

// NewVEML7700 returns a reader for the device at dir. factor converts
// lux to PPFD.
func NewVEML7700(dir string, factor float64) *VEML7700 {
	return &VEML7700{dev: iioDevice{dir: dir}, factor: factor}
}

// Init checks that the device is a VEML7700.
func (v *VEML7700) Init() error {
	name, err := v.dev.name()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(name, "veml") {
		return fmt.Errorf("device at %s is %q, not a veml7700", v.dev.dir, name)
	}
	return nil
}

// Read takes one measurement. Lux comes from in_illuminance_input when
// the driver provides it, else from the raw count times its scale.
func (v *VEML7700) Read() (Reading, error) {
	als, err := v.dev.read("in_illuminance_raw")
	if err != nil {
		return Reading{}, err
	}
	white, err := v.dev.readOr("in_intensity_white_raw", 0)
	if err != nil {
		return Reading{}, err
	}
	lux, err := v.dev.read("in_illuminance_input")
	if os.IsNotExist(err) {
		scale, serr := v.dev.readOr("in_illuminance_scale", 1)
		if serr != nil {
			return Reading{}, serr
		}
		lux, err = als*scale, nil
	}
	if err != nil {
		return Reading{}, err
	}
	return lightReading(lux, white, als, v.factor)
}
