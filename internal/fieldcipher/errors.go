package fieldcipher

import "errors"

var (
	// ErrCipher covers key-size and entropy-source failures. Nothing is
	// sealed when it is returned.
	ErrCipher = errors.New("cipher error")

	// ErrAuthenticationFailed means the blob did not authenticate under the
	// key: it was altered, forged, or sealed under a different key. The three
	// cases are deliberately indistinguishable.
	ErrAuthenticationFailed = errors.New("cannot decrypt: authentication failed")

	// ErrMalformedBlob means the blob is structurally invalid.
	ErrMalformedBlob = errors.New("malformed blob")
)

// IsAuthError reports whether err means a blob could not be decrypted.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}
