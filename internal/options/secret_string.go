// Package options holds values of command line options that need special
// handling.
package options

// SecretString holds a password. It prints as "**redacted**" in every fmt
// verb, the value is only available through Unwrap.
type SecretString struct {
	s *string
}

func NewSecretString(s string) SecretString {
	return SecretString{s: &s}
}

func (s SecretString) GoString() string {
	return `"` + s.String() + `"`
}

func (s SecretString) String() string {
	if s.s == nil || *s.s == "" {
		return ""
	}
	return "**redacted**"
}

// Unwrap returns the secret, or "" for the zero value.
func (s SecretString) Unwrap() string {
	if s.s == nil {
		return ""
	}
	return *s.s
}

// Empty reports whether no secret is set.
func (s SecretString) Empty() bool {
	return s.Unwrap() == ""
}
