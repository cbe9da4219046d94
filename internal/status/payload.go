// Package status builds and publishes the node's periodic status
// record: the latest sensor reading together with link quality, memory
// headroom, the diagnostic error count and uptime.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nugget/envnode/internal/sensor"
)

// MaxPayloadBytes is the largest payload published. Larger records are
// rejected rather than truncated.
const MaxPayloadBytes = 256

// ErrPayloadTooLarge is returned by [BuildPayload] for records over
// [MaxPayloadBytes].
var ErrPayloadTooLarge = errors.New("status payload exceeds size limit")

// fixed2 marshals as a JSON number with two decimals.
type fixed2 float64

func (f fixed2) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(f), 'f', 2, 64), nil
}

// climatePayload and lightPayload are the two record schemas. Field
// order is part of the wire format.
type climatePayload struct {
	Device      string `json:"device"`
	Temperature fixed2 `json:"temperature"`
	Humidity    fixed2 `json:"humidity"`
	Pressure    fixed2 `json:"pressure"`
	RSSI        int    `json:"rssi"`
	HeapFree    uint64 `json:"heap_free"`
	HeapMin     uint64 `json:"heap_min"`
	ErrorCount  uint32 `json:"error_count"`
	Uptime      uint64 `json:"uptime"`
	Status      string `json:"status"`
}

type lightPayload struct {
	Lux    fixed2 `json:"lux"`
	PPFD   fixed2 `json:"ppfd"`
	White  fixed2 `json:"white"`
	ALS    uint32 `json:"als"`
	Device string `json:"device"`
}

// Snapshot is everything a status record carries.
type Snapshot struct {
	Device     string
	Reading    sensor.Reading
	RSSI       int
	HeapFree   uint64
	HeapMin    uint64
	ErrorCount uint32
	Uptime     uint64 // seconds
}

// BuildPayload encodes s. Climate readings produce the full status
// record; light readings produce the compact light record.
func BuildPayload(s Snapshot) ([]byte, error) {
	var v any
	switch {
	case s.Reading.HasClimate:
		v = climatePayload{
			Device:      s.Device,
			Temperature: fixed2(s.Reading.Temperature),
			Humidity:    fixed2(s.Reading.Humidity),
			Pressure:    fixed2(s.Reading.Pressure),
			RSSI:        s.RSSI,
			HeapFree:    s.HeapFree,
			HeapMin:     s.HeapMin,
			ErrorCount:  s.ErrorCount,
			Uptime:      s.Uptime,
			Status:      "ok",
		}
	case s.Reading.HasLight:
		v = lightPayload{
			Lux:    fixed2(s.Reading.Lux),
			PPFD:   fixed2(s.Reading.PPFD),
			White:  fixed2(s.Reading.White),
			ALS:    uint32(s.Reading.ALS),
			Device: s.Device,
		}
	default:
		return nil, fmt.Errorf("%w: empty reading", sensor.ErrInvalidReading)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	if len(b) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(b), MaxPayloadBytes)
	}
	return b, nil
}
