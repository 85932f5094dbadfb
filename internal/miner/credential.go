package miner

// Credential authenticates against one device. PrivateKey is PEM and only
// used over SSH.
type Credential struct {
	Name       string
	Username   string
	Password   string
	PrivateKey []byte
	Passphrase string
}

func (c Credential) String() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Username + ":***"
}

func (c Credential) Empty() bool {
	return c.Username == "" && c.Password == "" && len(c.PrivateKey) == 0
}
