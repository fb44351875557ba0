package types

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/shieldpool/poolerrors"
)

// TokenKind is the closed set of assets the pool accepts. The zero value is
// invalid so untagged records cannot slip into balance computation.
type TokenKind uint8

const (
	TokenUnknown TokenKind = iota
	TokenSOL
	TokenNOC
)

var tokenNames = map[TokenKind]string{
	TokenSOL: "SOL",
	TokenNOC: "NOC",
}

// SupportedTokens lists every valid TokenKind in ascending order.
func SupportedTokens() []TokenKind {
	return []TokenKind{TokenSOL, TokenNOC}
}

func (k TokenKind) Valid() bool {
	_, ok := tokenNames[k]
	return ok
}

func (k TokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", uint8(k))
}

// ParseTokenKind accepts the symbol in any case.
func ParseTokenKind(s string) (TokenKind, error) {
	for k, name := range tokenNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return TokenUnknown, fmt.Errorf("%w: %q", poolerrors.ErrUnknownTokenKind, s)
}

func (k TokenKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", poolerrors.ErrUnknownTokenKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *TokenKind) UnmarshalText(text []byte) error {
	parsed, err := ParseTokenKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PoolKey identifies one (owner, token kind) balance. Spend pipelines are
// serialized per PoolKey.
type PoolKey struct {
	Owner     string
	TokenKind TokenKind
}

func (k PoolKey) String() string {
	return k.Owner + "/" + k.TokenKind.String()
}
