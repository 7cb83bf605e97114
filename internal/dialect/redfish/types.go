// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package redfish

// Target is one hardware management interface.
type Target struct {
	Address  string `json:"ip" yaml:"ip"`
	Name     string `json:"name" yaml:"name"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Power is the subset of /redfish/v1/Chassis/1/Power that is exported.
type Power struct {
	PowerControl []PowerControl `json:"PowerControl"`
}

type PowerControl struct {
	PowerConsumedWatts *float64      `json:"PowerConsumedWatts"`
	PowerMetrics       *PowerMetrics `json:"PowerMetrics"`
}

type PowerMetrics struct {
	MinConsumedWatts     *float64 `json:"MinConsumedWatts"`
	MaxConsumedWatts     *float64 `json:"MaxConsumedWatts"`
	AverageConsumedWatts *float64 `json:"AverageConsumedWatts"`
}

// Thermal is the subset of /redfish/v1/Chassis/1/Thermal that is exported.
type Thermal struct {
	Temperatures []Temperature `json:"Temperatures"`
}

type Temperature struct {
	Name           string   `json:"Name"`
	ReadingCelsius *float64 `json:"ReadingCelsius"`
}

// Reading is the detail payload of one management interface.
type Reading struct {
	Power   Power
	Thermal Thermal
}

type sessionRequest struct {
	UserName string `json:"UserName"`
	Password string `json:"Password"`
}
