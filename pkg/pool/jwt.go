package pool

import (
	"fmt"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/state"
	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the JWT claim set issued at handshake: {id, nonce} per
// spec. Nonce round-trips unverified at the registered-claims layer;
// Pool.VerifyToken checks it against the pool's current record so a bumped nonce
// invalidates every token minted before the bump.
type sessionClaims struct {
	jwt.RegisteredClaims
	AgentID string `json:"id"`
	Nonce   uint64 `json:"nonce"`
}

// TokenIssuer mints and verifies agent session JWTs signed with a shared
// HMAC secret.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// Issue mints a token carrying claims.
func (t *TokenIssuer) Issue(claims state.AgentClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		AgentID: claims.ID.String(),
		Nonce:   claims.Nonce,
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "pool.jwt-sign-failed", err)
	}
	return signed, nil
}

// Verify parses tokenStr and returns the embedded claims, without checking
// them against the pool's current nonce — callers must compare the
// returned nonce against Pool.Lookup(id).Claims.Nonce themselves.
func (t *TokenIssuer) Verify(tokenStr string) (state.AgentClaims, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("pool: unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return state.AgentClaims{}, apierr.Wrap(apierr.KindPolicy, "pool.jwt-invalid", err)
	}

	agentID, err := ids.NewAgentId(claims.AgentID)
	if err != nil {
		return state.AgentClaims{}, apierr.Wrap(apierr.KindSchema, "pool.jwt-bad-subject", err)
	}
	return state.AgentClaims{ID: agentID, Nonce: claims.Nonce}, nil
}

// BumpNonce increments id's stored nonce, invalidating every token minted
// against its prior value, and returns the new nonce. No-op (ok=false) if
// id is not in the pool.
func (p *Pool) BumpNonce(id ids.AgentId) (nonce uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, found := p.agents[id]
	if !found {
		return 0, false
	}
	a.Claims.Nonce++
	return a.Claims.Nonce, true
}

// VerifyToken verifies tokenStr's signature and checks its nonce against
// the pool's current record for the embedded agent id, rejecting tokens
// minted before the most recent BumpNonce.
func (p *Pool) VerifyToken(issuer *TokenIssuer, tokenStr string) (ids.AgentId, error) {
	claims, err := issuer.Verify(tokenStr)
	if err != nil {
		return ids.AgentId{}, err
	}
	a, ok := p.Lookup(claims.ID)
	if !ok {
		return ids.AgentId{}, apierr.UnknownAgent(claims.ID.String())
	}
	if a.Claims.Nonce != claims.Nonce {
		return ids.AgentId{}, apierr.New(apierr.KindPolicy, "pool.jwt-stale-nonce", "token nonce superseded by a newer handshake")
	}
	return claims.ID, nil
}
