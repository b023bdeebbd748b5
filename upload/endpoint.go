package upload

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Roenbaeck/tubeist-sub000/errors"
)

// Path is appended to the server URL for every upload.
const Path = "/upload_fragment"

// Endpoint is where fragments go and how to authenticate there.
type Endpoint struct {
	ServerURL string `json:"url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// UploadURL returns the absolute upload URL, or ErrInvalidEndpoint when the
// server URL is missing, unparseable, lacks a host or is not http(s).
func (e Endpoint) UploadURL() (string, error) {
	raw := strings.TrimSpace(e.ServerURL)
	if raw == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: server url not configured", errors.ErrInvalidEndpoint),
			"Endpoint", "UploadURL", "validate endpoint")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidEndpoint, err),
			"Endpoint", "UploadURL", "parse server url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: unsupported scheme %q", errors.ErrInvalidEndpoint, u.Scheme),
			"Endpoint", "UploadURL", "validate endpoint")
	}
	if u.Host == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: missing host", errors.ErrInvalidEndpoint),
			"Endpoint", "UploadURL", "validate endpoint")
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Validate reports whether the endpoint can be used for an upload.
func (e Endpoint) Validate() error {
	_, err := e.UploadURL()
	return err
}

// Redacted returns a copy safe for logs and API responses.
func (e Endpoint) Redacted() Endpoint {
	if e.Password != "" {
		e.Password = "***"
	}
	return e
}
