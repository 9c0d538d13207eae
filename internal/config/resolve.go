package config

import (
	"strings"
	"time"

	"jobqueue/internal/httpapi"
	"jobqueue/internal/storage"
)

// Resolve converts the section into server settings. Validate has already
// checked the durations.
func (h HTTPConfig) Resolve() (httpapi.Config, error) {
	out := httpapi.Config{
		Enabled:          h.Enabled,
		Addr:             h.ListenAddr(),
		Token:            strings.TrimSpace(h.Token),
		AllowInsecure:    h.AllowInsecure,
		SubmitRatePerSec: h.SubmitRatePerSec,
		SubmitBurst:      h.SubmitBurst,
		Pprof:            h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// Resolve returns ok=false when storage is disabled.
func (s *StorageConfig) Resolve() (storage.Config, bool, error) {
	driver := s.DriverName()
	if driver == DriverNone {
		return storage.Config{}, false, nil
	}
	busy, err := ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(s.Path), BusyTimeout: busy}, true, nil
}
