package user

// ID is the opaque stable identifier issued by the auth service.
// The real-time layer keys presence, rate limiting, and message
// addressing on it but never inspects its contents.
type ID string
