package domain

// KeySeparator joins the two identities of a conversation key.
// Identities must never contain it; the transport boundary rejects
// identities that do.
const KeySeparator = ":"

// DeriveKey maps an unordered pair of identities to the canonical
// conversation key. Pure and total: DeriveKey(a, b) == DeriveKey(b, a).
func DeriveKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + KeySeparator + b
}
