package piv

// CredentialProvider supplies credentials on demand. The session calls it
// only when an operation needs a credential that has not been authenticated
// in this session, so an interactive implementation prompts at most once
// per credential per session.
//
// Returned byte slices are used for the duration of one authentication
// exchange and not retained.
type CredentialProvider interface {
	PIN() ([]byte, error)
	PUK() ([]byte, error)
	ManagementKey() ([]byte, error)
}

// StaticCredentials is a CredentialProvider with pre-supplied values.
type StaticCredentials struct {
	Pin []byte
	Puk []byte
	Key []byte
}

func (c *StaticCredentials) PIN() ([]byte, error) { return c.Pin, nil }

func (c *StaticCredentials) PUK() ([]byte, error) { return c.Puk, nil }

func (c *StaticCredentials) ManagementKey() ([]byte, error) { return c.Key, nil }
