package core

// Secret holds a router API key. Its value never appears through fmt,
// JSON, YAML or TOML encoding; Expose is the only way out.
//
//	key := NewSecret("rk-abc123")
//	fmt.Println(key)          // [REDACTED]
//	fmt.Printf("%#v", key)    // core.Secret{[REDACTED]}
//	req.Header.Set("Authorization", key.Bearer())
type Secret struct {
	value string
}

const redacted = "[REDACTED]"

// NewSecret wraps value.
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// String implements fmt.Stringer with a placeholder.
func (s Secret) String() string {
	if s.value == "" {
		return ""
	}
	return redacted
}

// GoString implements fmt.GoStringer with a placeholder.
func (s Secret) GoString() string {
	return "core.Secret{" + redacted + "}"
}

// MarshalJSON encodes a placeholder.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// MarshalText encodes a placeholder, which covers YAML and TOML.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalText lets configuration decoders fill a Secret directly.
func (s *Secret) UnmarshalText(text []byte) error {
	s.value = string(text)
	return nil
}

// Expose returns the key. Do not log or serialize the result.
func (s Secret) Expose() string {
	return s.value
}

// IsEmpty reports whether no key is set.
func (s Secret) IsEmpty() bool {
	return s.value == ""
}

// Bearer returns the Authorization header value, or "" when empty.
func (s Secret) Bearer() string {
	if s.value == "" {
		return ""
	}
	return "Bearer " + s.value
}
