// Package cookie encodes and decodes the persistent login cookie value.
//
// The cookie carries three fields joined by a fixed delimiter: the device
// series, the claimed user id and the raw bearer secret. The raw secret only
// ever exists in this cookie and transiently in memory; the store keeps a
// hash.
package cookie

import "strings"

// Delimiter separates the cookie fields. Series and secrets are lowercase
// hex and user ids are UUIDs, so the delimiter can never occur inside a field.
const Delimiter = ";"

// Token is the decoded form of the login cookie.
type Token struct {
	Series string
	UserID string
	Secret string
}

// Encode joins the three fields into a cookie value.
func Encode(series, userID, secret string) string {
	return series + Delimiter + userID + Delimiter + secret
}

// Decode splits a cookie value into its fields. A missing, blank or malformed
// cookie yields (zero, false); callers treat that as "no persistent session".
func Decode(value string) (Token, bool) {
	if value == "" {
		return Token{}, false
	}
	parts := strings.Split(value, Delimiter)
	if len(parts) != 3 {
		return Token{}, false
	}
	tok := Token{Series: parts[0], UserID: parts[1], Secret: parts[2]}
	if tok.Series == "" || tok.UserID == "" || tok.Secret == "" {
		return Token{}, false
	}
	return tok, true
}
