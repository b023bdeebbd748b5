// Package security holds the TLS settings shared by the relay's HTTP client
// and its local API server.
package security

// ServerTLSConfig serves the local API over TLS. ClientCAFiles turns on
// client certificate validation.
type ServerTLSConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	CertFile          string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile           string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion        string   `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"
	ClientCAFiles     []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
}

// ClientTLSConfig is used when uploading to an HTTPS ingest server.
// The system CA bundle is always trusted; CAFiles are additional CAs.
type ClientTLSConfig struct {
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	CertFile           string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"` // client certificate for mTLS
	KeyFile            string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// IsZero reports whether the client config changes nothing from Go's defaults.
func (c ClientTLSConfig) IsZero() bool {
	return len(c.CAFiles) == 0 && !c.InsecureSkipVerify && c.MinVersion == "" &&
		c.CertFile == "" && c.KeyFile == ""
}

// Clone returns a copy that shares no slices with c.
func (c ClientTLSConfig) Clone() ClientTLSConfig {
	c.CAFiles = append([]string(nil), c.CAFiles...)
	return c
}

// Clone returns a copy that shares no slices with c.
func (c ServerTLSConfig) Clone() ServerTLSConfig {
	c.ClientCAFiles = append([]string(nil), c.ClientCAFiles...)
	return c
}
