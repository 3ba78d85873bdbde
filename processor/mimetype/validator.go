// Package mimetype inspects fetched page payloads. The server answers
// result calls with CSV; letting an HTML maintenance page or a JSON
// error document masquerade as batch data corrupts downstream loads, so
// payloads can be checked against a mime-type pattern before storage.
package mimetype

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rakyll/magicmime"
)

// ValidationThreshold is the number of leading payload bytes the type is
// detected from. libmagic never needs more for text formats.
const ValidationThreshold = 1024

// Check is one glob of a pattern. negate flags checks prefixed with "!",
// which must NOT match the detected type.
type Check struct {
	check  string
	negate bool
}

// IsValid validates the given mime string against the current check.
func (c Check) IsValid(mime string) bool {
	// The only possible error is ErrBadPattern, which ValidatePattern
	// rejects before a pattern is accepted.
	match, _ := filepath.Match(c.check, mime)
	return match != c.negate
}

// ErrMimeTypeMismatch is a custom error exposing info on the failed check.
type ErrMimeTypeMismatch struct {
	check Check
	found string
}

// Error returns the error string for the current ErrMimeTypeMismatch.
func (e ErrMimeTypeMismatch) Error() string {
	if e.check.negate {
		return fmt.Sprintf("Expected mime-type not to be (%s), found (%s)", e.check.check, e.found)
	}
	return fmt.Sprintf("Expected mime-type to be (%s), found (%s)", e.check.check, e.found)
}

// Validator checks payloads against the checks extracted from a pattern.
// It holds a reference to a libmagic decoder and is not safe for
// concurrent use; each download worker owns its own Validator.
type Validator struct {
	decoder *magicmime.Decoder
	checks  []Check
}

// New constructs a new validator.
func New() (*Validator, error) {
	decoder, err := magicmime.NewDecoder(magicmime.MAGIC_MIME_TYPE)
	if err != nil {
		return nil, err
	}
	return &Validator{decoder: decoder}, nil
}

// ValidatePattern validates that the checks extracted from pattern can
// be used as glob patterns against mime types.
func ValidatePattern(pattern string) error {
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		c = strings.TrimPrefix(c, "!")
		if _, err := filepath.Match(c, "*"); err != nil {
			return fmt.Errorf("Invalid mime-type pattern, %q", c)
		}
	}
	return nil
}

// Reset reinitializes the validator's checks from the given pattern.
// A pattern is a comma-separated list of globs, e.g. "text/*,!text/html".
func (v *Validator) Reset(pattern string) {
	v.checks = nil
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "!") {
			v.checks = append(v.checks, Check{check: c[1:], negate: true})
			continue
		}
		v.checks = append(v.checks, Check{check: c, negate: false})
	}
}

// Validate detects the mime type of the payload's leading bytes and runs
// every check against it.
func (v *Validator) Validate(payload []byte) error {
	if len(payload) > ValidationThreshold {
		payload = payload[:ValidationThreshold]
	}

	var mime string
	var err error
	// decoder.TypeByBuffer() panics with empty slices. We guard against
	// that and manually return "application/x-empty" which is what libmagic
	// returns on empty buffers until this is handled upstream.
	if len(payload) > 0 {
		mime, err = v.decoder.TypeByBuffer(payload)
		if err != nil {
			return err
		}
	} else {
		mime = "application/x-empty"
	}

	for _, check := range v.checks {
		if !check.IsValid(mime) {
			return ErrMimeTypeMismatch{check, mime}
		}
	}

	return nil
}

// Close closes the internal mime-type decoder.
func (v *Validator) Close() {
	v.decoder.Close()
}
