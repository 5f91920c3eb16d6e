package modem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileReader implements Reader by reading a JSON status file, the
// shape a ModemManager DBus bridge or AT-command poller would write to
// disk. It's the production Reader; tests use a fixture Reader instead.
type FileReader struct {
	Path string
}

type modemStatus struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	GPSValid   bool    `json:"gps_valid"`
	RSSI       int     `json:"rssi"`
	Technology string  `json:"technology"`
	SignalValid bool   `json:"signal_valid"`
}

func (f *FileReader) read() (modemStatus, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return modemStatus{}, fmt.Errorf("modem: reading %s: %w", f.Path, err)
	}
	var st modemStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return modemStatus{}, fmt.Errorf("modem: decoding %s: %w", f.Path, err)
	}
	return st, nil
}

// ReadGPS reads the cached GPS fix from the status file.
func (f *FileReader) ReadGPS(ctx context.Context) (GPSFix, error) {
	st, err := f.read()
	if err != nil {
		return GPSFix{}, err
	}
	return GPSFix{Latitude: st.Latitude, Longitude: st.Longitude, FixTime: time.Now(), Valid: st.GPSValid}, nil
}

// ReadSignal reads the cached signal reading from the status file.
func (f *FileReader) ReadSignal(ctx context.Context) (SignalReading, error) {
	st, err := f.read()
	if err != nil {
		return SignalReading{}, err
	}
	return SignalReading{RSSI: st.RSSI, Technology: st.Technology, ReadTime: time.Now(), Valid: st.SignalValid}, nil
}
