package anchor

// Signer produces and checks signatures over fingerprints.
// Implementations must be deterministic for a fixed key.
type Signer interface {
	Sign(dataHash string) string
	Verify(dataHash string, signature string) bool
}

// HashSigner is the placeholder scheme the service currently accepts:
// signature = sha256(dataHash ++ secret). It proves possession of the
// shared secret only. It is NOT cryptographically secure and is kept
// behind the Signer interface so an asymmetric scheme can replace it
// without touching callers.
type HashSigner struct {
	secret string
}

func NewHashSigner(secret string) *HashSigner {
	return &HashSigner{
		secret: secret,
	}
}

func (self *HashSigner) Sign(dataHash string) string {
	return HashHexString(dataHash + self.secret)
}

func (self *HashSigner) Verify(dataHash string, signature string) bool {
	return self.Sign(dataHash) == signature
}
