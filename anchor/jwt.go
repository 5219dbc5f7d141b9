package anchor

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims carried by the platform bearer token. parsed unverified on the
// client side; the service is the verifier.
type ByJwt struct {
	UserId     string
	ProjectId  string
	InstanceId Id
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userId, ok := claims["user_id"].(string); ok {
		byJwt.UserId = userId
	}
	if projectId, ok := claims["project_id"].(string); ok {
		byJwt.ProjectId = projectId
	}
	if instanceIdStr, ok := claims["instance_id"].(string); ok {
		if instanceId, err := ParseId(instanceIdStr); err == nil {
			byJwt.InstanceId = instanceId
		}
	}

	return byJwt, nil
}
