package geo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kelvins/geocoder"
)

// ErrNoGeocoderKey is returned when reverse geocoding is requested without a key.
var ErrNoGeocoderKey = errors.New("geocoder api key is not configured")

// Address is the reverse-geocoded description of a position.
type Address struct {
	Formatted string  `json:"formatted"`
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Resolver reverse-geocodes sensor positions through the Google geocoding API.
type Resolver struct {
	apiKey string
}

// geocoder keeps its key in a package variable.
var geocoderMu sync.Mutex

func NewResolver(apiKey string) *Resolver {
	return &Resolver{apiKey: apiKey}
}

// Enabled reports whether the resolver has a key.
func (r *Resolver) Enabled() bool {
	return r != nil && r.apiKey != ""
}

// Reverse returns the best address for lat/lon.
func (r *Resolver) Reverse(lat, lon float64) (Address, error) {
	if !r.Enabled() {
		return Address{}, ErrNoGeocoderKey
	}

	geocoderMu.Lock()
	geocoder.ApiKey = r.apiKey
	addrs, err := geocoder.GeocodingReverse(geocoder.Location{Latitude: lat, Longitude: lon})
	geocoderMu.Unlock()
	if err != nil {
		return Address{}, fmt.Errorf("reverse geocoding %f,%f: %w", lat, lon, err)
	}
	if len(addrs) == 0 {
		return Address{}, fmt.Errorf("reverse geocoding %f,%f: no results", lat, lon)
	}

	a := addrs[0]
	return Address{
		Formatted: a.FormattedAddress,
		City:      a.City,
		Country:   a.Country,
		Latitude:  lat,
		Longitude: lon,
	}, nil
}
