package auth

import "github.com/golang-jwt/jwt/v5"

// AccessClaims is the JWT claims structure for the analyzer's access gate.
// The service has no user accounts: presenting the shared access password
// grants the "operator" role, which unlocks the analysis API and report
// export. Subject carries the logical identity ("operator") for audit trails.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// RoleOperator is the role granted by the shared-password login.
const RoleOperator = "operator"

// OperatorClaims returns the claims issued on a successful password login.
func OperatorClaims() *AccessClaims {
	return &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: RoleOperator},
		Role:             RoleOperator,
	}
}
