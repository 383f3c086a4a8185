package realtime

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of interest from the platform auth token. The token is minted and
// verified elsewhere; the client only reads claims to learn who it is.
type ByJwt struct {
	UserId   string
	UserName string
}

func ParseByJwtUnverified(byJwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("Bad claims.")
	}

	out := &ByJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		out.UserId = userId
	} else if userId, ok := claims["sub"].(string); ok {
		out.UserId = userId
	}
	if userName, ok := claims["user_name"].(string); ok {
		out.UserName = userName
	}
	return out, nil
}
