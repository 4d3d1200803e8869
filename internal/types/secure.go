package types

const redactedPlaceholder = "***REDACTED***"

// SecretString keeps credentials out of logs and JSON dumps. Use Unmask only
// where the raw value must leave the process (driver DSN, outbound header).
type SecretString string

func (s SecretString) String() string {
	return redactedPlaceholder
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

func (s SecretString) Unmask() string {
	return string(s)
}
