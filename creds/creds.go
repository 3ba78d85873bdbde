// Package creds loads pre-minted API credentials from a JSON document.
// Minting and refreshing tokens is out of scope: an external process is
// expected to keep the document current.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Timeout defaults in seconds, applied by Load when the credentials
// document leaves them unset.
const (
	DefaultConnectTimeoutSec  = 5
	DefaultClientTimeoutSec   = 30
	DefaultDownloadTimeoutSec = 600
)

// Credentials holds everything needed to talk to one API instance.
type Credentials struct {
	// InstanceURL is the base URL of the API instance
	InstanceURL string `json:"instance_url"`

	// Token is the pre-minted bearer token
	Token string `json:"token"`

	// ConnectTimeoutSec bounds connection establishment for every call
	ConnectTimeoutSec int `json:"client_connect_timeout"`

	// ClientTimeoutSec bounds job lifecycle calls end to end
	ClientTimeoutSec int `json:"client_timeout"`

	// DownloadTimeoutSec bounds page downloads and chunk uploads end
	// to end
	DownloadTimeoutSec int `json:"download_timeout"`
}

// Load reads and validates the credentials document at filename.
func Load(filename string) (Credentials, error) {
	crd := Credentials{}
	f, err := os.Open(filename)
	if err != nil {
		return crd, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&crd); err != nil {
		return crd, fmt.Errorf("Could not decode credentials document: %s", err)
	}

	if crd.InstanceURL == "" {
		return crd, errors.New("Credentials must provide an instance_url")
	}
	if crd.Token == "" {
		return crd, errors.New("Credentials must provide a token")
	}

	if crd.ConnectTimeoutSec <= 0 {
		crd.ConnectTimeoutSec = DefaultConnectTimeoutSec
	}
	if crd.ClientTimeoutSec <= 0 {
		crd.ClientTimeoutSec = DefaultClientTimeoutSec
	}
	if crd.DownloadTimeoutSec <= 0 {
		crd.DownloadTimeoutSec = DefaultDownloadTimeoutSec
	}

	return crd, nil
}

// ConnectTimeout returns the connection timeout as a time.Duration.
func (c Credentials) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// ClientTimeout returns the lifecycle call timeout as a time.Duration.
func (c Credentials) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutSec) * time.Second
}

// DownloadTimeout returns the transfer timeout as a time.Duration.
func (c Credentials) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSec) * time.Second
}
